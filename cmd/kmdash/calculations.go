package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"pkt.systems/kmdash/schema"
)

func newCalculationsCmd(flags *globalFlags) *cobra.Command {
	var replay string
	cmd := &cobra.Command{
		Use:   "calculations <config-id>",
		Short: "List a config's past runs or replay one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			a, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			calcs, err := a.engine.ListCalculations(cmd.Context(), id)
			if err != nil {
				return err
			}
			if replay == "" {
				return printLines(cmd.OutOrStdout(), a.plain.FormatCalculations(calcs))
			}
			want, err := strconv.ParseUint(replay, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: calculation id %q", schema.ErrInvalidRequest, replay)
			}
			for _, calc := range calcs {
				if calc.ID == schema.RunSeq(want) {
					return printLines(cmd.OutOrStdout(), a.plain.Lines(a.terminal.Replay(calc)))
				}
			}
			return fmt.Errorf("calculation %s not found for config %s", replay, id)
		},
	}
	cmd.Flags().StringVar(&replay, "replay", "", "print the reconstructed output of this calculation")
	return cmd
}
