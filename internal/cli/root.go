package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/threadline-dev/threadline/internal/httpapi"
)

var cliVersion string

// NewRootCmd creates the root command with all subcommands.
// The client is used for all API calls to the threadlined daemon.
func NewRootCmd(client *httpapi.Client, version string) *cobra.Command {
	cliVersion = version

	rootCmd := &cobra.Command{
		Use:   "threadline",
		Short: "Threadline session browser and control utility",
		Long: titleStyle.Render("Threadline") + " " + lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(version) + "\n" +
			"  Browse, search, and manage agent sessions.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHealthCmd(client))
	rootCmd.AddCommand(newSessionsCmd(client))
	rootCmd.AddCommand(newSessionCmd(client))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newHealthCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check if threadlined is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Health(); err != nil {
				PrintError(fmt.Sprintf("threadlined is not running: %v", err))
				os.Exit(1)
			}
			PrintSuccess("threadlined is running")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(cliVersion)
		},
	}
}

func tryJSON(cmd *cobra.Command, v interface{}) bool {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	if !jsonFlag {
		return false
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return false
	}
	fmt.Println(string(out))
	return true
}

// formatDuration formats a duration as human-readable
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
