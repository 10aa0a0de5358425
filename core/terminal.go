package core

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/kmdash/internal/logx"
	"pkt.systems/kmdash/schema"
	"pkt.systems/kmdash/session"
	"pkt.systems/pslog"
)

// TerminalOptions configures a Terminal.
type TerminalOptions struct {
	Config schema.TerminalConfig
	Sink   EventSink
	Logger pslog.Logger
}

// Terminal ties run tracking and output reconstruction to the engine's push
// events. Output and conclusions for superseded runs never reach a buffer.
type Terminal struct {
	engine  *Engine
	tracker *RunTracker
	cfg     schema.TerminalConfig
	sink    EventSink
	log     pslog.Logger

	unsubs []func()
	done   chan struct{}
	once   sync.Once
}

// NewTerminal subscribes to the engine's output, conclusion and deletion
// pushes.
func NewTerminal(engine *Engine, opts TerminalOptions) (*Terminal, error) {
	cfg, err := schema.NormalizeTerminalConfig(opts.Config)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	t := &Terminal{
		engine:  engine,
		tracker: NewRunTracker(cfg.MaxLines, logger),
		cfg:     cfg,
		sink:    opts.Sink,
		log:     logger,
		done:    make(chan struct{}),
	}
	client := engine.Client()
	t.unsubs = append(t.unsubs,
		client.Subscribe(session.MatchOutput(), t.onOutput),
		client.Subscribe(session.MatchTerminal(), t.onConclusion),
		client.Subscribe(session.All(session.MatchStatus(schema.StatusOK), session.MatchHas("deleted_id")), t.onDeleted),
	)
	return t, nil
}

func (t *Terminal) onOutput(msg schema.Message) {
	id, seq := msg.From.ConfigID, msg.From.Seq
	if !t.tracker.OnOutput(id, seq, msg.Output) {
		return
	}
	if t.sink != nil {
		t.sink.OnOutput(schema.OutputEvent{ConfigID: id, Seq: seq, Fragment: msg.Output})
	}
}

func (t *Terminal) onConclusion(msg schema.Message) {
	outcome, ok := schema.OutcomeFromStatus(msg.Status)
	if !ok {
		return
	}
	t.conclude(msg.From.ConfigID, msg.From.Seq, outcome, msg.Message)
}

func (t *Terminal) conclude(id schema.ConfigID, seq schema.RunSeq, outcome schema.Outcome, message string) {
	if !t.tracker.OnTerminalEvent(id, seq, outcome) {
		return
	}
	t.emit(id, message)
}

func (t *Terminal) onDeleted(msg schema.Message) {
	raw, ok := msg.Scalar("deleted_id")
	if !ok {
		return
	}
	id := schema.ConfigID(raw)
	t.tracker.Stop(id)
	t.log.Debug("terminal config deleted", "config", id)
	if t.sink != nil {
		t.sink.OnConfigDeleted(schema.ConfigDeletedEvent{ConfigID: id})
	}
}

func (t *Terminal) emit(id schema.ConfigID, message string) {
	if t.sink != nil {
		t.sink.OnRunEvent(schema.RunEvent{State: t.tracker.State(id), Message: message})
	}
}

// Run starts a run of req.ConfigID under a fresh sequence and sends it to
// the engine. The pending call settles with the run's conclusion.
func (t *Terminal) Run(ctx context.Context, req schema.RunRequest) (schema.RunSeq, *session.Pending, error) {
	req, err := schema.NormalizeRunRequest(req)
	if err != nil {
		return 0, nil, err
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	id := req.ConfigID
	seq := t.tracker.Start(id)
	log := t.log.With("config", id, "run", seq)
	t.emit(id, "")

	concluded := session.All(session.MatchTerminal(), session.MatchFrom(id), func(msg schema.Message) bool {
		return msg.From.Seq == seq
	})
	args := []any{id, req.Indexer.Arg(), req.PathOrQuery, seq}
	p := t.engine.Client().Go(schema.Request{
		Command: schema.CommandRun,
		Args:    args,
	}, session.WithMatch(session.Any(concluded, rejection(schema.CommandRun, args))))
	logx.WithRef(log, p.Ref).Info("run requested", "indexer", bool(req.Indexer))

	go t.watch(log, id, seq, p)
	return seq, p, nil
}

// watch concludes the run as failed when the engine rejects the request
// outright or the connection drops, since no tagged conclusion will follow.
func (t *Terminal) watch(log pslog.Logger, id schema.ConfigID, seq schema.RunSeq, p *session.Pending) {
	select {
	case <-p.Done():
	case <-t.done:
		return
	}
	msg, err := p.Result()
	var remote *schema.RemoteError
	switch {
	case err == nil:
		log.Debug("run finished")
	case errors.As(err, &remote) && msg.From == nil:
		log.Warn("run rejected", "err", remote.Message)
		t.conclude(id, seq, schema.OutcomeError, remote.Message)
	case errors.As(err, &remote):
		log.Debug("run failed", "err", remote.Message)
	case errors.Is(err, schema.ErrConnectionLost):
		log.Warn("run lost its connection", "err", err)
		t.conclude(id, seq, schema.OutcomeError, err.Error())
	default:
		log.Debug("run call ended", "err", err)
	}
}

// Stop returns the config to idle locally and asks the engine to close its
// pipeline. The local transition does not wait for the engine.
func (t *Terminal) Stop(ctx context.Context, id schema.ConfigID) (string, error) {
	t.tracker.Stop(id)
	t.emit(id, "")
	return t.engine.CloseConfig(ctx, id)
}

// State returns the config's run state.
func (t *Terminal) State(id schema.ConfigID) schema.RunState {
	return t.tracker.State(id)
}

// Snapshot returns the config's reconstructed output lines.
func (t *Terminal) Snapshot(id schema.ConfigID) []string {
	return t.tracker.Snapshot(id)
}

// Render returns the config's lines cut to width cells; the configured chunk
// width applies when width <= 0.
func (t *Terminal) Render(id schema.ConfigID, width int) []string {
	if width <= 0 {
		width = t.cfg.ChunkWidth
	}
	return t.tracker.Render(id, width)
}

// Replay reconstructs the lines of a stored calculation's output.
func (t *Terminal) Replay(calc schema.Calculation) []string {
	buf := NewLineBuffer(t.cfg.MaxLines)
	buf.Replay(calc.Output)
	return buf.Snapshot()
}

// Close unsubscribes from the engine. Buffers stay readable.
func (t *Terminal) Close() {
	t.once.Do(func() {
		close(t.done)
		for _, unsub := range t.unsubs {
			unsub()
		}
	})
}
