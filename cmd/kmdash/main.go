package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pkt.systems/kmdash/internal/sessionprefs"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("kmdash command failed")
		return 1
	}
	return 0
}

// globalFlags are shared by every command that talks to the engine.
type globalFlags struct {
	configPath string
	url        string
	color      bool
	width      int
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "kmdash",
		Short:         "Dashboard for configuring and running retrieval pipelines",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			prefs := sessionprefs.FromContext(cmd.Context())
			prefs.Color = flags.color
			prefs.Width = flags.width
			cmd.SetContext(sessionprefs.WithContext(cmd.Context(), prefs))
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&flags.url, "url", "", "engine websocket URL (overrides server.url)")
	root.PersistentFlags().BoolVar(&flags.color, "color", false, "keep ANSI colors in printed output")
	root.PersistentFlags().IntVar(&flags.width, "width", 0, "render width in cells (default terminal.chunk_width)")

	root.AddCommand(newConfigsCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newStopCmd(flags))
	root.AddCommand(newPipelinesCmd(flags))
	root.AddCommand(newCalculationsCmd(flags))
	root.AddCommand(newScriptsCmd(flags))
	root.AddCommand(newTranscriptCmd(flags))
	root.AddCommand(newWatchCmd(flags))
	root.AddCommand(newMockEngineCmd(flags))
	root.AddCommand(newInitConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func argv0Alias(base string) string {
	switch base {
	case "kmdash-mock-engine", "mock-engine":
		return "mock-engine"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}
