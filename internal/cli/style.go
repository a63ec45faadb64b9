package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// Styles
var (
	subtle     = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight  = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special    = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning    = lipgloss.AdaptiveColor{Light: "#F29F05", Dark: "#F29F05"}
	errorColor = lipgloss.AdaptiveColor{Light: "#E05252", Dark: "#E05252"}

	titleStyle = lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true).
			Padding(0, 1)

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	okDot   = lipgloss.NewStyle().Foreground(special).SetString("●")
	warnDot = lipgloss.NewStyle().Foreground(warning).SetString("●")
	errDot  = lipgloss.NewStyle().Foreground(errorColor).SetString("●")
)

func PrintSuccess(msg string) {
	fmt.Printf("%s %s\n", okDot.String(), msg)
}

func PrintError(msg string) {
	fmt.Printf("%s %s\n", errDot.String(), msg)
}

func PrintWarning(msg string) {
	fmt.Printf("%s %s\n", warnDot.String(), msg)
}

// stateColor maps a session lifecycle state to a display color.
func stateColor(state string) lipgloss.Color {
	switch state {
	case "processing":
		return lipgloss.Color("82") // green
	case "waiting_permission":
		return lipgloss.Color("226") // yellow
	case "idle":
		return lipgloss.Color("39") // blue
	case "failed":
		return lipgloss.Color("196") // red
	case "finished":
		return lipgloss.Color("240") // grey
	default:
		return lipgloss.Color("245")
	}
}
