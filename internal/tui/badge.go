package tui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"pkt.systems/kmdash/schema"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	faintText  = lipgloss.NewStyle().Faint(true)
	errorText  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	badgeBase = lipgloss.NewStyle().Padding(0, 1).Bold(true)
	badges    = map[schema.RunStatus]lipgloss.Style{
		schema.RunIdle:    badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("7")),
		schema.RunRunning: badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11")),
		schema.RunOK:      badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10")),
		schema.RunError:   badgeBase.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")),
	}
)

// Badge renders the run status, with the run number once a run exists.
func Badge(state schema.RunState) string {
	style, ok := badges[state.Status]
	if !ok {
		style = badgeBase
	}
	label := state.Status.String()
	if state.Seq != 0 {
		label = fmt.Sprintf("%s #%s", label, state.Seq)
	}
	return style.Render(label)
}

// ConnBadge renders the connection state.
func ConnBadge(state schema.ConnState) string {
	switch state {
	case schema.ConnOpen:
		return faintText.Render("● " + state.String())
	case schema.ConnErrored, schema.ConnClosed:
		return errorText.Render("● " + state.String())
	case schema.ConnIdle, schema.ConnConnecting:
		return faintText.Render("○ " + state.String())
	default:
		return faintText.Render(state.String())
	}
}
