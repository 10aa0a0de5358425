package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/kmdash/internal/format"
	"pkt.systems/kmdash/internal/logx"
	"pkt.systems/kmdash/internal/persist"
	"pkt.systems/kmdash/internal/sessionprefs"
	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

// runPrinter streams one config's accepted output and reports its
// conclusion. It runs on the dispatch goroutine.
type runPrinter struct {
	id    schema.ConfigID
	out   io.Writer
	plain *format.PlainRenderer

	once  sync.Once
	done  chan struct{}
	final schema.RunEvent
}

func newRunPrinter(id schema.ConfigID, out io.Writer, plain *format.PlainRenderer) *runPrinter {
	return &runPrinter{id: id, out: out, plain: plain, done: make(chan struct{})}
}

func (p *runPrinter) OnOutput(event schema.OutputEvent) {
	if event.ConfigID != p.id {
		return
	}
	_, _ = io.WriteString(p.out, p.plain.Fragment(event.Fragment))
}

func (p *runPrinter) OnRunEvent(event schema.RunEvent) {
	if event.State.ConfigID != p.id || !event.State.Status.Concluded() {
		return
	}
	p.once.Do(func() {
		p.final = event
		close(p.done)
	})
}

func (p *runPrinter) OnConfigDeleted(event schema.ConfigDeletedEvent) {
	if event.ConfigID != p.id {
		return
	}
	p.once.Do(func() {
		p.final = schema.RunEvent{State: schema.RunState{ConfigID: p.id}, Message: "config deleted"}
		close(p.done)
	})
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var indexer bool
	var save bool
	cmd := &cobra.Command{
		Use:   "run <config-id> <path-or-query>...",
		Short: "Run a config's pipeline and stream its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseConfigID(args[0])
			if err != nil {
				return err
			}
			configContext(cmd, id)
			out := &syncWriter{w: cmd.OutOrStdout()}
			printer := newRunPrinter(id, out, format.NewPlainRenderer(sessionprefs.FromContext(cmd.Context()).Color))
			a, err := connect(cmd, flags, printer)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			seq, pending, err := a.terminal.Run(ctx, schema.RunRequest{
				ConfigID:    id,
				Indexer:     schema.IndexerMode(indexer),
				PathOrQuery: strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			ctx = logx.ContextWithRun(pslog.ContextWithLogger(ctx, logx.WithRun(ctx, id, seq)), seq)
			log := logx.Ctx(ctx)
			var remote *schema.RemoteError
			select {
			case <-printer.done:
			case <-pending.Done():
				// The conclusion reaches the printer after the call settles.
				if _, err := pending.Result(); err != nil && !errors.As(err, &remote) {
					return fmt.Errorf("run %s of config %s: %w", seq, id, err)
				}
				select {
				case <-printer.done:
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-ctx.Done():
				pending.Cancel()
				return ctx.Err()
			}
			var callErr error
			select {
			case <-pending.Done():
				_, callErr = pending.Result()
			default:
				pending.Cancel()
			}
			if callErr != nil && !errors.As(callErr, &remote) {
				return fmt.Errorf("run %s of config %s: %w", seq, id, callErr)
			}

			final := printer.final
			if _, err := fmt.Fprintln(out, a.plain.FormatRunEvent(final)); err != nil {
				return err
			}
			if save {
				if err := saveTranscript(a, id, final.State); err != nil {
					return err
				}
				log.Info("transcript saved")
			}
			if final.State.Status != schema.RunOK {
				return fmt.Errorf("run %s of config %s did not succeed: %s", seq, id, final.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&indexer, "indexer", false, "run the indexer over a path instead of answering a query")
	cmd.Flags().BoolVar(&save, "save", false, "save the terminal transcript to the state directory")
	return cmd
}

func saveTranscript(a *app, id schema.ConfigID, state schema.RunState) error {
	store, err := persist.NewStoreWithLogger(a.cfg.StateDir, a.log)
	if err != nil {
		return err
	}
	return store.Save(schema.Transcript{
		ConfigID: id,
		Seq:      state.Seq,
		Status:   state.Status.String(),
		Lines:    a.terminal.Snapshot(id),
		SavedAt:  time.Now().UTC(),
	})
}

func newStopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <config-id>",
		Short: "Stop a config's pipeline kernel",
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
			message, err := a.terminal.Stop(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), message)
			return err
		},
	}
}
