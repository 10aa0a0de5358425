package main

import (
	"errors"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"pkt.systems/kmdash/internal/tui"
	"pkt.systems/kmdash/schema"
)

func newWatchCmd(flags *globalFlags) *cobra.Command {
	var query string
	var indexer bool
	cmd := &cobra.Command{
		Use:   "watch <config-id>",
		Short: "Open a live terminal view of a config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return errors.New("watch needs an interactive terminal; use run for plain output")
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			events, unsubscribe := a.bus.Subscribe(id)
			defer unsubscribe()
			model := tui.New(a.terminal, id, events, tui.Options{
				Conn: a.client.State(),
				Stop: func() (string, error) { return a.terminal.Stop(ctx, id) },
			})
			if query != "" {
				if _, _, err := a.terminal.Run(ctx, schema.RunRequest{
					ConfigID:    id,
					Indexer:     schema.IndexerMode(indexer),
					PathOrQuery: query,
				}); err != nil {
					return err
				}
			}
			program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			_, err = program.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "start a run with this query or path when the view opens")
	cmd.Flags().BoolVar(&indexer, "indexer", false, "start the run in indexer mode")
	return cmd
}
