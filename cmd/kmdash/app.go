package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"pkt.systems/kmdash/core"
	"pkt.systems/kmdash/internal/appconfig"
	"pkt.systems/kmdash/internal/eventbus"
	"pkt.systems/kmdash/internal/format"
	"pkt.systems/kmdash/internal/logx"
	"pkt.systems/kmdash/internal/sessionprefs"
	"pkt.systems/kmdash/schema"
	"pkt.systems/kmdash/session"
	"pkt.systems/pslog"
)

// app is one connected dashboard session.
type app struct {
	cfg      appconfig.Config
	client   *session.Client
	engine   *core.Engine
	terminal *core.Terminal
	bus      *eventbus.Bus
	plain    *format.PlainRenderer
	log      pslog.Logger
	stopConn func()
}

// loadConfig reads the config file and applies flag and display overrides.
func loadConfig(flags *globalFlags, prefs *sessionprefs.Prefs) (appconfig.Config, error) {
	cfg, err := appconfig.Load(flags.configPath)
	if err != nil {
		return appconfig.Config{}, err
	}
	if url := strings.TrimSpace(flags.url); url != "" {
		cfg.Server.URL = url
	}
	if prefs.Width > 0 {
		cfg.Terminal.ChunkWidth = prefs.Width
	}
	return cfg, nil
}

// connect dials the engine and wires the terminal to the bus and any extra
// sinks. Extra sinks run on the dispatch goroutine.
func connect(cmd *cobra.Command, flags *globalFlags, sinks ...core.EventSink) (*app, error) {
	ctx := cmd.Context()
	logger := pslog.Ctx(ctx)
	prefs := sessionprefs.FromContext(ctx)
	cfg, err := loadConfig(flags, prefs)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(logger)
	client := session.New(session.Options{
		URL:         cfg.Server.URL,
		Origin:      cfg.Server.Origin,
		ReadLimit:   cfg.Server.ReadLimitBytes,
		DialTimeout: cfg.Server.DialTimeout(),
		Logger:      logger,
	})
	stopConn := client.OnStateChange(bus.OnConnState)
	if err := client.Open(ctx); err != nil {
		stopConn()
		return nil, err
	}
	if err := client.WaitOpen(ctx); err != nil {
		stopConn()
		_ = client.Close()
		return nil, fmt.Errorf("connect %s: %w", cfg.Server.URL, err)
	}
	logger.Debug("engine connected", "url", cfg.Server.URL)

	engine := core.NewEngine(client, cfg.Server.CallTimeout())
	fanout := append(core.Fanout{bus}, sinks...)
	terminal, err := core.NewTerminal(engine, core.TerminalOptions{
		Config: cfg.Terminal.Schema(),
		Sink:   fanout,
		Logger: logger,
	})
	if err != nil {
		stopConn()
		_ = client.Close()
		return nil, err
	}
	return &app{
		cfg:      cfg,
		client:   client,
		engine:   engine,
		terminal: terminal,
		bus:      bus,
		plain:    format.NewPlainRenderer(prefs.Color),
		log:      logger,
		stopConn: stopConn,
	}, nil
}

func (a *app) Close() {
	a.terminal.Close()
	a.stopConn()
	if err := a.client.Close(); err != nil {
		a.log.Debug("engine close", "err", err)
	}
}

// configContext binds a config-scoped logger to the command's context.
func configContext(cmd *cobra.Command, id schema.ConfigID) context.Context {
	ctx := cmd.Context()
	ctx = logx.ContextWithConfigLogger(ctx, logx.WithConfig(ctx, id), id)
	cmd.SetContext(ctx)
	return ctx
}

func parseConfigID(raw string) (schema.ConfigID, error) {
	id, err := schema.NormalizeConfigID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, raw)
	}
	return id, nil
}

func printLines(w io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// syncWriter serialises writes from the dispatch goroutine and the command.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
