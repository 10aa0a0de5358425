package main

import (
	"github.com/spf13/cobra"

	"pkt.systems/kmdash/internal/mockengine"
	"pkt.systems/kmdash/internal/sessionprefs"
	"pkt.systems/pslog"
)

func newMockEngineCmd(flags *globalFlags) *cobra.Command {
	var addr string
	var omitRefs bool
	cmd := &cobra.Command{
		Use:   "mock-engine",
		Short: "Serve an in-memory pipeline engine for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags, sessionprefs.FromContext(cmd.Context()))
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Mock.Addr
			}
			logger := pslog.Ctx(cmd.Context())
			server := mockengine.New(mockengine.Options{
				OutputDelay: cfg.Mock.OutputDelay(),
				OmitRefs:    omitRefs,
				Logger:      logger,
			})
			return server.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default mock.addr)")
	cmd.Flags().BoolVar(&omitRefs, "omit-refs", false, "do not echo correlation refs in replies")
	return cmd
}
