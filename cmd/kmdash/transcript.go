package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/kmdash/internal/format"
	"pkt.systems/kmdash/internal/persist"
	"pkt.systems/kmdash/internal/sessionprefs"
	"pkt.systems/pslog"
)

func newTranscriptCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Show saved run transcripts",
	}
	openStore := func(cmd *cobra.Command) (*persist.Store, error) {
		cfg, err := loadConfig(flags, sessionprefs.FromContext(cmd.Context()))
		if err != nil {
			return nil, err
		}
		return persist.NewStoreWithLogger(cfg.StateDir, pslog.Ctx(cmd.Context()))
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configs with a saved transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), id); err != nil {
					return err
				}
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <config-id>",
		Short: "Print a saved transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			transcript, ok, err := store.Load(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no transcript saved for config %s", id)
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "config %s run #%s: %s (saved %s)\n", transcript.ConfigID, transcript.Seq, transcript.Status, transcript.SavedAt.Format("2006-01-02 15:04:05")); err != nil {
				return err
			}
			return printLines(out, format.NewPlainRenderer(sessionprefs.FromContext(cmd.Context()).Color).Lines(transcript.Lines))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <config-id>",
		Short: "Delete a saved transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			return store.Delete(id)
		},
	})
	return cmd
}
