package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/httpapi"
)

// captureStdout captures everything written to os.Stdout during f().
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// executeCmd runs the root command with the given args, capturing stdout.
func executeCmd(root *cobra.Command, args ...string) (string, error) {
	var execErr error
	out := captureStdout(func() {
		root.SetArgs(args)
		execErr = root.Execute()
	})
	return out, execErr
}

func newMockServer(t *testing.T, handler http.HandlerFunc) *httpapi.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpapi.NewClient(srv.URL, "")
}

func TestSessionsCmd_RendersList(t *testing.T) {
	client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("q"); got != "staging" {
			t.Errorf("q = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []*history.SessionSummary{{
				ID:           "abc123def456789",
				Name:         "deploy help",
				State:        "idle",
				CreatedAt:    time.Now().Add(-2 * time.Hour),
				MessageCount: 4,
				TotalTokens:  120,
				Preview:      "how do I deploy",
			}},
			"total": 1,
		})
	})

	out, err := executeCmd(NewRootCmd(client, "test"), "sessions", "-q", "staging")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"deploy help", "abc123def456", "idle", "4 msgs", "how do I deploy"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSessionsCmd_JSONOutput(t *testing.T) {
	client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sessions": []*history.SessionSummary{{ID: "s1", State: "finished"}},
			"total":    1,
		})
	})

	out, err := executeCmd(NewRootCmd(client, "test"), "sessions", "--json")
	if err != nil {
		t.Fatal(err)
	}

	var res httpapi.ListSessionsResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if res.Total != 1 || res.Sessions[0].ID != "s1" {
		t.Errorf("decoded = %+v", res)
	}
}

func TestSessionDeleteCmd(t *testing.T) {
	var sawDelete bool
	client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/api/sessions/s1" {
			sawDelete = true
			json.NewEncoder(w).Encode(map[string]bool{"deleted": true})
			return
		}
		http.NotFound(w, r)
	})

	out, err := executeCmd(NewRootCmd(client, "test"), "session", "delete", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !sawDelete {
		t.Error("DELETE request never sent")
	}
	if !strings.Contains(out, "Session deleted") {
		t.Errorf("output = %q", out)
	}
}

func TestSessionShowCmd_ErrorSurfaced(t *testing.T) {
	client := newMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"code": "session_not_found", "message": "no such session",
		})
	})

	_, err := executeCmd(NewRootCmd(client, "test"), "session", "show", "ghost")
	if err == nil || !strings.Contains(err.Error(), "session_not_found") {
		t.Fatalf("err = %v", err)
	}
}
