package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/threadline-dev/threadline/internal/history"
	"github.com/threadline-dev/threadline/internal/httpapi"
)

func newSessionCmd(client *httpapi.Client) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and manage a single session",
	}

	sessionCmd.AddCommand(newSessionShowCmd(client))
	sessionCmd.AddCommand(newSessionMessagesCmd(client))
	sessionCmd.AddCommand(newSessionResumeCmd(client))
	sessionCmd.AddCommand(newSessionRenameCmd(client))
	sessionCmd.AddCommand(newSessionDeleteCmd(client))

	return sessionCmd
}

func newSessionShowCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := client.GetSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if tryJSON(cmd, sess) {
				return nil
			}

			name := sess.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Println(titleStyle.Render(name))

			color := stateColor(sess.State)
			fmt.Printf("  ID:       %s\n", sess.ID)
			fmt.Printf("  State:    %s\n", lipgloss.NewStyle().Foreground(color).Render(sess.State))
			fmt.Printf("  Created:  %s (%s ago)\n",
				sess.CreatedAt.Format(time.RFC3339), formatDuration(time.Since(sess.CreatedAt)))
			fmt.Printf("  Accessed: %s ago\n", formatDuration(time.Since(sess.LastAccessedAt)))
			fmt.Printf("  Messages: %d\n", sess.MessageCount)
			fmt.Printf("  Tokens:   %d in / %d out\n", sess.TotalInputTokens, sess.TotalOutputTokens)
			if sess.ErrorMessage != "" {
				fmt.Printf("  Error:    %s\n", errDot.String()+" "+sess.ErrorMessage)
			}
			return nil
		},
	}
}

func newSessionMessagesCmd(client *httpapi.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <session-id>",
		Short: "Show a session's transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f history.MessageFilter
			f.Role, _ = cmd.Flags().GetString("role")
			f.Limit, _ = cmd.Flags().GetInt("limit")
			f.Offset, _ = cmd.Flags().GetInt("offset")

			res, err := client.GetMessages(args[0], f)
			if err != nil {
				return fmt.Errorf("failed to get messages: %w", err)
			}

			if tryJSON(cmd, res) {
				return nil
			}

			if res.Total == 0 {
				fmt.Println("No messages.")
				return nil
			}

			for _, m := range res.Messages {
				label := roleLabel(m)
				fmt.Printf("%s %s\n", label, dimStyle.Render(m.CreatedAt.Format("2006-01-02 15:04:05")))
				for _, line := range strings.Split(m.Content, "\n") {
					fmt.Printf("  %s\n", line)
				}
				fmt.Println()
			}

			if len(res.Messages) < res.Total {
				fmt.Println(dimStyle.Render(fmt.Sprintf("showing %d of %d messages",
					len(res.Messages), res.Total)))
			}
			return nil
		},
	}

	cmd.Flags().String("role", "", "Filter by role (user, assistant, tool_use, tool_result)")
	cmd.Flags().Int("limit", 0, "Maximum number of messages")
	cmd.Flags().Int("offset", 0, "Number of messages to skip")

	return cmd
}

func newSessionResumeCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Bring a session back into the live registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.ResumeSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to resume session: %w", err)
			}

			if tryJSON(cmd, res) {
				return nil
			}

			if res.Resumed {
				PrintSuccess(fmt.Sprintf("Session %s resumed (%s)", shortID(res.SessionID), res.State))
			} else {
				PrintWarning(fmt.Sprintf("Session %s is %s and cannot be resumed", shortID(res.SessionID), res.State))
			}
			return nil
		},
	}
}

func newSessionRenameCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <name>",
		Short: "Set a session's display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.RenameSession(args[0], args[1]); err != nil {
				return fmt.Errorf("failed to rename session: %w", err)
			}
			PrintSuccess(fmt.Sprintf("Session renamed to %q", args[1]))
			return nil
		},
	}
}

func newSessionDeleteCmd(client *httpapi.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := client.DeleteSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			if deleted {
				PrintSuccess("Session deleted")
			} else {
				PrintWarning("Session did not exist")
			}
			return nil
		},
	}
}

func roleLabel(m *history.Message) string {
	switch m.Role {
	case history.RoleUser:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true).Render("user")
	case history.RoleAssistant:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("assistant")
	case history.RoleToolUse:
		name := m.ToolName
		if name == "" {
			name = "tool"
		}
		return lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Render("tool:" + name)
	case history.RoleToolResult:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("result")
	default:
		return m.Role
	}
}
