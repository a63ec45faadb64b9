package main

import (
	"fmt"
	"os"

	"github.com/threadline-dev/threadline/internal/cli"
	"github.com/threadline-dev/threadline/internal/httpapi"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	baseURL := os.Getenv("THREADLINE_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8700"
	}
	client := httpapi.NewClient(baseURL, os.Getenv("THREADLINE_API_KEY"))

	rootCmd := cli.NewRootCmd(client, version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
