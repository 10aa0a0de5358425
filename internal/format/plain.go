package format

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"pkt.systems/kmdash/schema"
)

// PlainRenderer formats dashboard data as plain text lines for non-TTY
// output. Escape sequences are stripped unless Color is set.
type PlainRenderer struct {
	Color bool
}

// NewPlainRenderer returns a plain-text renderer.
func NewPlainRenderer(color bool) *PlainRenderer {
	return &PlainRenderer{Color: color}
}

// Lines returns terminal lines ready for printing.
func (p *PlainRenderer) Lines(lines []string) []string {
	if p.Color {
		return lines
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = ansi.Strip(line)
	}
	return out
}

// Fragment prepares a streamed output fragment for printing.
func (p *PlainRenderer) Fragment(fragment string) string {
	if p.Color {
		return fragment
	}
	return ansi.Strip(fragment)
}

// FormatConfigs renders list_configs rows.
func (p *PlainRenderer) FormatConfigs(configs []schema.ConfigSummary) []string {
	if len(configs) == 0 {
		return []string{"no configs"}
	}
	lines := []string{fmt.Sprintf("%-6s %-24s %-12s %s", "ID", "NAME", "TYPE", "ACTIVE")}
	for _, cfg := range configs {
		active := "no"
		if cfg.Active {
			active = "yes"
		}
		lines = append(lines, fmt.Sprintf("%-6s %-24s %-12s %s", cfg.ID, clip(cfg.Name, 24), cfg.Type, active))
	}
	return lines
}

// FormatConfigDetail renders a config's stages and settings.
func (p *PlainRenderer) FormatConfigDetail(detail schema.ConfigDetail) []string {
	lines := []string{fmt.Sprintf("config %s: %s (%s)", detail.ID, detail.Name, detail.Type)}
	if detail.UpdatedAt != "" {
		lines = append(lines, "updated: "+detail.UpdatedAt)
	}
	for _, name := range schema.Stages {
		stage, _ := detail.Content.Stage(name)
		path := stage.Path
		if path == "" {
			path = "(none)"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", name, path))
		keys := make([]string, 0, len(stage.Settings))
		for key := range stage.Settings {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			lines = append(lines, fmt.Sprintf("  %s = %v", key, stage.Settings[key]))
		}
	}
	return lines
}

// FormatCalculations renders list_calculations rows.
func (p *PlainRenderer) FormatCalculations(calcs []schema.Calculation) []string {
	if len(calcs) == 0 {
		return []string{"no calculations"}
	}
	lines := []string{fmt.Sprintf("%-6s %-8s %-20s %s", "ID", "STATUS", "CREATED", "INPUT")}
	for _, calc := range calcs {
		lines = append(lines, fmt.Sprintf("%-6s %-8s %-20s %s", calc.ID, calc.Status, calc.CreatedAt, clip(calc.Input, 40)))
	}
	return lines
}

// FormatRunEvent renders a run lifecycle transition.
func (p *PlainRenderer) FormatRunEvent(event schema.RunEvent) string {
	state := event.State
	line := fmt.Sprintf("config %s run #%s: %s", state.ConfigID, state.Seq, state.Status)
	if event.Message != "" {
		line += ": " + event.Message
	}
	return line
}

func clip(value string, width int) string {
	return ansi.Truncate(strings.ReplaceAll(value, "\n", " "), width, "…")
}
