package cli

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/httpapi"
)

func newSessionsCmd(client *httpapi.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and search sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}

			res, err := client.ListSessions(f)
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			if tryJSON(cmd, res) {
				return nil
			}

			if res.Total == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Sessions (%d)", res.Total)))
			fmt.Println()

			for _, s := range res.Sessions {
				color := stateColor(s.State)
				dot := lipgloss.NewStyle().Foreground(color).Render("●")
				sid := dimStyle.Render(shortID(s.ID))
				stateText := lipgloss.NewStyle().Foreground(color).Render(s.State)
				msgs := fmt.Sprintf("%d msgs", s.MessageCount)
				tokens := fmt.Sprintf("%d tok", s.TotalTokens)
				age := formatDuration(time.Since(s.CreatedAt))

				name := s.Name
				if name == "" {
					name = "(unnamed)"
				}

				fmt.Printf("  %s %s  %s  %s  %s  %s  %s ago\n",
					dot, headerStyle.Render(name), sid, stateText, msgs, tokens, age)
				if s.Preview != "" {
					fmt.Printf("      %s\n", dimStyle.Render(s.Preview))
				}
			}

			if len(res.Sessions) < res.Total {
				fmt.Println()
				fmt.Println(dimStyle.Render(fmt.Sprintf("showing %d of %d, use --limit/--offset to page",
					len(res.Sessions), res.Total)))
			}
			return nil
		},
	}

	cmd.Flags().StringP("query", "q", "", "Full-text search over message content")
	cmd.Flags().String("name", "", "Filter by name substring")
	cmd.Flags().StringP("state", "s", "", "Filter by state (idle, processing, waiting_permission, finished, failed)")
	cmd.Flags().String("tool", "", "Filter by tool used in the session")
	cmd.Flags().Int("min-tokens", 0, "Filter by minimum total token count")
	cmd.Flags().String("after", "", "Only sessions created after this RFC3339 timestamp")
	cmd.Flags().String("before", "", "Only sessions created before this RFC3339 timestamp")
	cmd.Flags().String("sort", "", "Sort key (created_at, last_accessed_at, message_count, total_tokens)")
	cmd.Flags().String("order", "desc", "Sort order (asc, desc)")
	cmd.Flags().Int("limit", 0, "Maximum number of sessions to return")
	cmd.Flags().Int("offset", 0, "Number of sessions to skip")

	return cmd
}

func filterFromFlags(cmd *cobra.Command) (history.SessionFilter, error) {
	var f history.SessionFilter
	f.Query, _ = cmd.Flags().GetString("query")
	f.Name, _ = cmd.Flags().GetString("name")
	f.State, _ = cmd.Flags().GetString("state")
	f.Tool, _ = cmd.Flags().GetString("tool")
	f.MinTokens, _ = cmd.Flags().GetInt("min-tokens")
	f.SortBy, _ = cmd.Flags().GetString("sort")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")

	order, _ := cmd.Flags().GetString("order")
	f.Desc = order != "asc"

	if after, _ := cmd.Flags().GetString("after"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return f, fmt.Errorf("invalid --after timestamp: %w", err)
		}
		f.After = t
	}
	if before, _ := cmd.Flags().GetString("before"); before != "" {
		t, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return f, fmt.Errorf("invalid --before timestamp: %w", err)
		}
		f.Before = t
	}
	return f, nil
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
