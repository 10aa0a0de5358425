package core

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/kmdash/internal/mockengine"
	"pkt.systems/kmdash/schema"
	"pkt.systems/kmdash/session"
)

type recordingSink struct {
	mu      sync.Mutex
	outputs []schema.OutputEvent
	runs    []schema.RunEvent
	deleted []schema.ConfigDeletedEvent
	changed chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{changed: make(chan struct{}, 64)}
}

func (s *recordingSink) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *recordingSink) OnOutput(ev schema.OutputEvent) {
	s.mu.Lock()
	s.outputs = append(s.outputs, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *recordingSink) OnRunEvent(ev schema.RunEvent) {
	s.mu.Lock()
	s.runs = append(s.runs, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *recordingSink) OnConfigDeleted(ev schema.ConfigDeletedEvent) {
	s.mu.Lock()
	s.deleted = append(s.deleted, ev)
	s.mu.Unlock()
	s.notify()
}

func (s *recordingSink) waitFor(t *testing.T, ctx context.Context, what string, cond func(*recordingSink) bool) {
	t.Helper()
	for {
		s.mu.Lock()
		ok := cond(s)
		s.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-s.changed:
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func concludedWith(id schema.ConfigID, status schema.RunStatus) func(*recordingSink) bool {
	return func(s *recordingSink) bool {
		for _, ev := range s.runs {
			if ev.State.ConfigID == id && ev.State.Status == status {
				return true
			}
		}
		return false
	}
}

type engineHarness struct {
	server   *mockengine.Server
	engine   *Engine
	terminal *Terminal
	sink     *recordingSink
	ctx      context.Context
}

func startHarness(t *testing.T, opts mockengine.Options) *engineHarness {
	t.Helper()
	server := mockengine.New(opts)
	hs := httptest.NewServer(server)
	t.Cleanup(hs.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	client, err := session.Dial(ctx, session.Options{URL: "ws" + strings.TrimPrefix(hs.URL, "http")})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	engine := NewEngine(client, 2*time.Second)
	sink := newRecordingSink()
	terminal, err := NewTerminal(engine, TerminalOptions{Sink: sink})
	if err != nil {
		t.Fatalf("terminal: %v", err)
	}
	t.Cleanup(terminal.Close)
	return &engineHarness{server: server, engine: engine, terminal: terminal, sink: sink, ctx: ctx}
}

func (h *engineHarness) createConfig(t *testing.T, name string) schema.ConfigID {
	t.Helper()
	info, err := h.engine.CreationInfo(h.ctx)
	if err != nil {
		t.Fatalf("creation info: %v", err)
	}
	id, err := h.engine.CreateConfig(h.ctx, name, schema.ConfigTypeCalculation, info.DefaultConfig)
	if err != nil {
		t.Fatalf("create config: %v", err)
	}
	return id
}

func TestEngineConfigCrud(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	id := h.createConfig(t, "demo")

	configs, err := h.engine.ListConfigs(h.ctx)
	if err != nil {
		t.Fatalf("list configs: %v", err)
	}
	if len(configs) != 1 || configs[0].ID != id || configs[0].Name != "demo" {
		t.Fatalf("unexpected configs %+v", configs)
	}

	detail, err := h.engine.GetConfig(h.ctx, id)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	content := detail.Content
	content.Generator.Path = "generators/ollama.py"
	if err := h.engine.UpdateConfig(h.ctx, id, content); err != nil {
		t.Fatalf("update config: %v", err)
	}
	detail, err = h.engine.GetConfig(h.ctx, id)
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if detail.Content.Generator.Path != "generators/ollama.py" {
		t.Fatalf("expected update to stick, got %+v", detail.Content.Generator)
	}

	if err := h.engine.DeleteConfig(h.ctx, id); err != nil {
		t.Fatalf("delete config: %v", err)
	}
	h.sink.waitFor(t, h.ctx, "deletion event", func(s *recordingSink) bool { return len(s.deleted) == 1 })
	if _, err := h.engine.GetConfig(h.ctx, id); err == nil {
		t.Fatalf("expected get of deleted config to fail")
	} else {
		var remote *schema.RemoteError
		if !errors.As(err, &remote) || remote.Command != schema.CommandGetConfig {
			t.Fatalf("expected remote error for get_config, got %v", err)
		}
	}
}

func TestEngineScriptsAndPipelines(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	scripts, err := h.engine.ListScripts(h.ctx)
	if err != nil {
		t.Fatalf("list scripts: %v", err)
	}
	if len(scripts) != 7 {
		t.Fatalf("expected 7 scripts, got %v", scripts)
	}
	if _, err := h.engine.DeleteScript(h.ctx, scripts[0]); err != nil {
		t.Fatalf("delete script: %v", err)
	}
	if _, err := h.engine.DeleteScript(h.ctx, scripts[0]); err == nil {
		t.Fatalf("expected second delete to fail")
	}
	active, err := h.engine.ActivePipelines(h.ctx)
	if err != nil {
		t.Fatalf("active pipelines: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active pipelines, got %v", active)
	}
}

func TestTerminalRunStreamsIntoBuffer(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	id := h.createConfig(t, "demo")

	seq, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, Indexer: true, PathOrQuery: "docs/"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	msg, err := p.Wait(h.ctx)
	if err != nil {
		t.Fatalf("run result: %v", err)
	}
	if msg.From == nil || msg.From.Seq != seq {
		t.Fatalf("expected conclusion for seq %d, got %+v", seq, msg.From)
	}
	h.sink.waitFor(t, h.ctx, "ok conclusion", concludedWith(id, schema.RunOK))

	state := h.terminal.State(id)
	if state.Status != schema.RunOK || state.Seq != seq {
		t.Fatalf("unexpected state %+v", state)
	}
	lines := h.terminal.Snapshot(id)
	if len(lines) < 3 || lines[2] != "100%" {
		t.Fatalf("expected progress collapsed to 100%%, got %q", lines)
	}
	calcs, err := h.engine.ListCalculations(h.ctx, id)
	if err != nil {
		t.Fatalf("list calculations: %v", err)
	}
	if len(calcs) != 1 {
		t.Fatalf("expected one calculation, got %+v", calcs)
	}
	replayed := h.terminal.Replay(calcs[0])
	if strings.Join(replayed, "\n") != strings.Join(lines, "\n") {
		t.Fatalf("replay differs from live view:\n%q\n%q", replayed, lines)
	}
}

func TestTerminalRunFailureConcludesError(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	id := h.createConfig(t, "demo")

	_, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, PathOrQuery: mockengine.FailQuery})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_, err = p.Wait(h.ctx)
	var remote *schema.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "RuntimeError") {
		t.Fatalf("expected remote error, got %v", err)
	}
	h.sink.waitFor(t, h.ctx, "error conclusion", concludedWith(id, schema.RunError))
	if got := h.terminal.State(id).Status; got != schema.RunError {
		t.Fatalf("expected error state, got %s", got)
	}
}

func TestTerminalRunRejectedByEngine(t *testing.T) {
	h := startHarness(t, mockengine.Options{})

	_, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: "404", PathOrQuery: "q"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := p.Wait(h.ctx); err == nil {
		t.Fatalf("expected rejection")
	}
	h.sink.waitFor(t, h.ctx, "error conclusion", concludedWith("404", schema.RunError))
}

func TestTerminalRunWithoutRefs(t *testing.T) {
	h := startHarness(t, mockengine.Options{OmitRefs: true})
	id := h.createConfig(t, "demo")

	seq, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, PathOrQuery: "what"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	msg, err := p.Wait(h.ctx)
	if err != nil {
		t.Fatalf("run result: %v", err)
	}
	if msg.Ref != "" || msg.From == nil || msg.From.Seq != seq {
		t.Fatalf("expected ref-less conclusion for seq %d, got %+v", seq, msg)
	}
	h.sink.waitFor(t, h.ctx, "ok conclusion", concludedWith(id, schema.RunOK))
}

func TestTerminalStopReturnsToIdle(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	id := h.createConfig(t, "demo")

	_, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, PathOrQuery: "what"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := p.Wait(h.ctx); err != nil {
		t.Fatalf("run result: %v", err)
	}
	message, err := h.terminal.Stop(h.ctx, id)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(message, "closed") {
		t.Fatalf("unexpected close message %q", message)
	}
	if got := h.terminal.State(id); got.Status != schema.RunIdle || got.Seq != 0 {
		t.Fatalf("expected idle after stop, got %+v", got)
	}
	active, err := h.engine.ActivePipelines(h.ctx)
	if err != nil {
		t.Fatalf("active pipelines: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected pipeline deactivated, got %v", active)
	}
}

func TestTerminalConcurrentRunsWithoutRefsStayApart(t *testing.T) {
	h := startHarness(t, mockengine.Options{OmitRefs: true, OutputDelay: 50 * time.Millisecond})
	id := h.createConfig(t, "demo")

	seq, healthy, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, PathOrQuery: "what"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_, missing, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: "404", PathOrQuery: "what"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	_, err = missing.Wait(h.ctx)
	var remote *schema.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "404") {
		t.Fatalf("expected rejection for config 404, got %v", err)
	}
	select {
	case <-healthy.Done():
		_, err := healthy.Result()
		t.Fatalf("run for config %s settled by another config's rejection: %v", id, err)
	default:
	}
	h.sink.waitFor(t, h.ctx, "404 error conclusion", concludedWith("404", schema.RunError))

	msg, err := healthy.Wait(h.ctx)
	if err != nil {
		t.Fatalf("run result: %v", err)
	}
	if msg.From == nil || msg.From.ConfigID != id || msg.From.Seq != seq {
		t.Fatalf("expected own conclusion, got %+v", msg.From)
	}
	h.sink.waitFor(t, h.ctx, "ok conclusion", concludedWith(id, schema.RunOK))
	if got := h.terminal.State("404"); got.Status != schema.RunError {
		t.Fatalf("expected config 404 in error, got %+v", got)
	}
}

func TestTerminalRunConnectionLostConcludesError(t *testing.T) {
	h := startHarness(t, mockengine.Options{})
	id := h.createConfig(t, "demo")

	_, p, err := h.terminal.Run(h.ctx, schema.RunRequest{ConfigID: id, PathOrQuery: mockengine.DropQuery})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := p.Wait(h.ctx); !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected connection lost, got %v", err)
	}
	h.sink.waitFor(t, h.ctx, "error conclusion", concludedWith(id, schema.RunError))
	if lines := h.terminal.Snapshot(id); len(lines) == 0 || !strings.Contains(lines[0], "Loading pipeline demo") {
		t.Fatalf("expected output before the drop to stay buffered, got %q", lines)
	}
}
