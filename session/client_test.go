package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

func startEngine(t *testing.T, handle func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.CloseNow()
		handle(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readRequest(ctx context.Context, conn *websocket.Conn) (schema.Request, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return schema.Request{}, err
	}
	var req schema.Request
	err = json.Unmarshal(data, &req)
	return req, err
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// drain keeps reading until the peer goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func dialTest(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCallIgnoresInterleavedReplyForOtherConfig(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readRequest(ctx, conn); err != nil {
			return
		}
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "config_id": 9})
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "config_id": 7})
		drain(ctx, conn)
	})
	c := dialTest(t, Options{URL: url})

	others := make(chan schema.Message, 1)
	c.Subscribe(MatchField("config_id", "9"), func(msg schema.Message) { others <- msg })

	msg, err := c.Call(testContext(t), schema.Request{Command: schema.CommandGetConfig, Args: []any{7}},
		WithMatch(MatchField("config_id", "7")))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got, _ := msg.Scalar("config_id"); got != "7" {
		t.Fatalf("expected config 7 reply, got %q", got)
	}
	select {
	case other := <-others:
		if got, _ := other.Scalar("config_id"); got != "9" {
			t.Fatalf("unexpected broadcast %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected config 9 reply to reach the subscriber")
	}
}

func TestCallDefaultPredicateUsesCorrelationField(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readRequest(ctx, conn); err != nil {
			return
		}
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "command": "get_config", "config_id": 9})
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "command": "list_configs", "config_id": 7})
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "command": "get_config", "config_id": 7, "name": "seven"})
		drain(ctx, conn)
	})
	c := dialTest(t, Options{URL: url})
	msg, err := c.Call(testContext(t), schema.Request{Command: schema.CommandGetConfig, Args: []any{schema.ConfigID("7")}},
		WithCorrelation("config_id"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got, _ := msg.Scalar("name"); got != "seven" {
		t.Fatalf("expected the get_config reply for 7, got %s", msg.Raw())
	}
}

func TestConcurrentCallsResolveByRef(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		var reqs []schema.Request
		for len(reqs) < 2 {
			req, err := readRequest(ctx, conn)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			arg, _ := reqs[i].Arg(0)
			_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "command": reqs[i].Command, "ref": reqs[i].Ref, "echo": arg})
		}
		drain(ctx, conn)
	})
	c := dialTest(t, Options{URL: url})

	first := c.Go(schema.Request{Command: schema.CommandListConfigs, Args: []any{"a"}})
	second := c.Go(schema.Request{Command: schema.CommandListConfigs, Args: []any{"b"}})
	if first.Ref == "" || first.Ref == second.Ref {
		t.Fatalf("expected distinct refs, got %q and %q", first.Ref, second.Ref)
	}
	ctx := testContext(t)
	for want, p := range map[string]*Pending{"a": first, "b": second} {
		msg, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("wait %s: %v", want, err)
		}
		if got, _ := msg.Scalar("echo"); got != want {
			t.Fatalf("call %s resolved with %q", want, got)
		}
	}
}

func TestRemoteErrorPreservesMessage(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		req, err := readRequest(ctx, conn)
		if err != nil {
			return
		}
		_ = writeJSON(ctx, conn, map[string]any{"status": "error", "ref": req.Ref, "message": "config 42 not found"})
		drain(ctx, conn)
	})
	c := dialTest(t, Options{URL: url})
	_, err := c.Call(testContext(t), schema.Request{Command: schema.CommandGetConfig, Args: []any{42}})
	var remote *schema.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "config 42 not found" || remote.Command != schema.CommandGetConfig {
		t.Fatalf("unexpected remote error %+v", remote)
	}
}

func TestMalformedFramesDoNotBlockDispatch(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		req, err := readRequest(ctx, conn)
		if err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02})
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"status":"output","from":[7]}`))
		_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "ref": req.Ref})
		drain(ctx, conn)
	})
	var hooked atomic.Int32
	capture := &bytes.Buffer{}
	var captureMu sync.Mutex
	logger := pslog.NewWithOptions(lockedWriter{w: capture, mu: &captureMu}, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	c := dialTest(t, Options{
		URL:             url,
		Logger:          logger,
		OnProtocolError: func(*schema.ProtocolError) { hooked.Add(1) },
	})
	var delivered atomic.Int32
	seen := make(chan struct{}, 4)
	c.Subscribe(nil, func(schema.Message) {
		delivered.Add(1)
		seen <- struct{}{}
	})

	if _, err := c.Call(testContext(t), schema.Request{Command: schema.CommandListConfigs}); err != nil {
		t.Fatalf("call after malformed frames: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the valid frame to reach the subscriber")
	}
	if got := c.ProtocolErrors(); got != 3 {
		t.Fatalf("expected 3 protocol errors, got %d", got)
	}
	if got := hooked.Load(); got != 3 {
		t.Fatalf("expected hook called 3 times, got %d", got)
	}
	if got := delivered.Load(); got != 1 {
		t.Fatalf("expected only the valid frame delivered, got %d", got)
	}
	captureMu.Lock()
	logs := capture.String()
	captureMu.Unlock()
	if !strings.Contains(logs, "malformed frame") {
		t.Fatalf("expected warning in logs, got %q", logs)
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	url := startEngine(t, drain)
	c := dialTest(t, Options{URL: url})
	p := c.Go(schema.Request{Command: schema.CommandRun, Args: []any{7, false, "q", 1}})
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := p.Wait(testContext(t))
	if !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if c.State() != schema.ConnClosed || c.Connected() {
		t.Fatalf("expected closed, got %s", c.State())
	}
	if _, err := c.Call(testContext(t), schema.Request{Command: schema.CommandListConfigs}); !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected call after close to fail, got %v", err)
	}
	if err := c.Open(testContext(t)); !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected reopen to be refused, got %v", err)
	}
}

func TestEngineFailureRejectsPendingCalls(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		if _, err := readRequest(ctx, conn); err != nil {
			return
		}
		_ = conn.Close(websocket.StatusInternalError, "engine crashed")
	})
	c := dialTest(t, Options{URL: url})
	states := make(chan schema.ConnState, 4)
	c.OnStateChange(func(state schema.ConnState) { states <- state })

	_, err := c.Call(testContext(t), schema.Request{Command: schema.CommandListConfigs})
	if !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	select {
	case state := <-states:
		if state != schema.ConnErrored {
			t.Fatalf("expected errored, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected state change")
	}
}

func TestSubscriberPanicDoesNotStopOtherHandlers(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = writeJSON(ctx, conn, map[string]any{"status": "output", "from": []any{7, 1}, "output": "a"})
		_ = writeJSON(ctx, conn, map[string]any{"status": "output", "from": []any{7, 1}, "output": "b"})
		drain(ctx, conn)
	})
	c := New(Options{URL: url})
	t.Cleanup(func() { _ = c.Close() })

	var mu sync.Mutex
	var order []string
	got := make(chan struct{})
	c.Subscribe(MatchOutput(), func(msg schema.Message) {
		mu.Lock()
		order = append(order, "first:"+msg.Output)
		mu.Unlock()
		panic("handler bug")
	})
	c.Subscribe(MatchOutput(), func(msg schema.Message) {
		mu.Lock()
		order = append(order, "second:"+msg.Output)
		n := len(order)
		mu.Unlock()
		if n == 4 {
			close(got)
		}
	})
	if err := c.Open(testContext(t)); err != nil {
		t.Fatalf("open: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("handlers did not receive both events")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"first:a", "second:a", "first:b", "second:b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			req, err := readRequest(ctx, conn)
			if err != nil {
				return
			}
			_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "ref": req.Ref, "command": req.Command})
		}
	})
	c := dialTest(t, Options{URL: url})
	var count atomic.Int32
	seen := make(chan struct{}, 4)
	unsubscribe := c.Subscribe(nil, func(schema.Message) {
		count.Add(1)
		seen <- struct{}{}
	})
	ctx := testContext(t)
	if _, err := c.Call(ctx, schema.Request{Command: schema.CommandListConfigs}); err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected first reply delivered")
	}
	unsubscribe()
	unsubscribe()
	if _, err := c.Call(ctx, schema.Request{Command: schema.CommandListConfigs}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := count.Load(); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestCallsQueuedWhileConnectingFlushInOrder(t *testing.T) {
	url := startEngine(t, func(ctx context.Context, conn *websocket.Conn) {
		order := 0
		for {
			req, err := readRequest(ctx, conn)
			if err != nil {
				return
			}
			order++
			arg, _ := req.Arg(0)
			_ = writeJSON(ctx, conn, map[string]any{"status": "ok", "ref": req.Ref, "arg": arg, "order": order})
		}
	})
	release := make(chan struct{})
	var dials atomic.Int32
	c := New(Options{URL: url, Dialer: func(ctx context.Context, u string) (Conn, error) {
		dials.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return WebsocketDialer("", 0)(ctx, u)
	}})
	t.Cleanup(func() { _ = c.Close() })

	ctx := testContext(t)
	if err := c.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Open(ctx); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if c.State() != schema.ConnConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	var pending []*Pending
	for i := 1; i <= 3; i++ {
		pending = append(pending, c.Go(schema.Request{Command: schema.CommandListConfigs, Args: []any{i}}))
	}
	close(release)
	for i, p := range pending {
		msg, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
		want := string(rune('1' + i))
		if arg, _ := msg.Scalar("arg"); arg != want {
			t.Fatalf("call %d resolved with arg %q", i, arg)
		}
		if order, _ := msg.Scalar("order"); order != want {
			t.Fatalf("call %d sent out of order: %q", i, order)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestCallBeforeOpenFails(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1"})
	_, err := c.Call(testContext(t), schema.Request{Command: schema.CommandListConfigs})
	if !errors.Is(err, schema.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	_, err = c.Call(testContext(t), schema.Request{})
	if !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDialFailureIsErrored(t *testing.T) {
	c := New(Options{URL: "ws://example.invalid", Dialer: func(context.Context, string) (Conn, error) {
		return nil, errors.New("refused")
	}})
	ctx := testContext(t)
	if err := c.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.WaitOpen(ctx); !errors.Is(err, schema.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if c.State() != schema.ConnErrored {
		t.Fatalf("expected errored, got %s", c.State())
	}
}

func TestWaitCancellationUnregistersCall(t *testing.T) {
	url := startEngine(t, drain)
	c := dialTest(t, Options{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, schema.Request{Command: schema.CommandListConfigs})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no pending calls, got %d", n)
	}
}

func TestRefReplyDoesNotFallBackToPredicates(t *testing.T) {
	c := New(Options{URL: "ws://unused"})
	p := newPending(c, schema.Request{Command: schema.CommandListConfigs, Ref: "mine"}, MatchCommand(schema.CommandListConfigs))
	c.pending = append(c.pending, p)

	other, err := schema.ParseMessage([]byte(`{"status":"ok","command":"list_configs","ref":"someone-else"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c.dispatch(other)
	select {
	case <-p.Done():
		t.Fatalf("call resolved by a reply for another ref")
	default:
	}

	mine, err := schema.ParseMessage([]byte(`{"status":"ok","command":"list_configs","ref":"mine"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c.dispatch(mine)
	c.dispatch(mine)
	if _, err := p.Result(); err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if len(c.pending) != 0 {
		t.Fatalf("expected call removed after resolution")
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
