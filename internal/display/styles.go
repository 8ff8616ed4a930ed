// Package display renders audit trails, run status, and registry listings
// for the terminal, with an interactive pager for long trails.
package display

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color scheme: one consistent color per concept across every view.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - labels

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	// Phases - Cyan
	phaseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	// Agents - Magenta
	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// Dispatches in flight - Blue
	dispatchStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// resultStyle picks the outcome color for an audit result value.
func resultStyle(result string) lipgloss.Style {
	switch result {
	case "success":
		return successStyle
	case "failure":
		return errorStyle
	case "timeout":
		return warnStyle
	case "dispatched":
		return dispatchStyle
	default:
		return valueStyle
	}
}
