// Package session owns the single duplex connection to the pipeline engine.
// It multiplexes correlated calls and push subscriptions over one websocket.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

var errBinaryFrame = errors.New("binary frame")

// Options configures a Client.
type Options struct {
	URL          string
	Origin       string
	ReadLimit    int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// Dialer overrides the websocket dialer.
	Dialer Dialer
	Logger pslog.Logger
	// OnProtocolError observes frames that could not be decoded. They are
	// never delivered to calls or subscribers.
	OnProtocolError func(*schema.ProtocolError)
}

// Client is one engine connection shared by every consumer of a dashboard
// session. Acquire it once with Open and release it with Close; a closed
// client is never reconnected.
type Client struct {
	opts Options
	dial Dialer
	log  pslog.Logger

	// writeMu orders outbound frames, including the flush of frames queued
	// while connecting.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    schema.ConnState
	conn     Conn
	ctx      context.Context
	cancel   context.CancelFunc
	cause    error
	settled  chan struct{}
	queue    [][]byte
	pending  []*Pending
	subs     []*subscription
	watchers []*watcher
	nextID   uint64

	protocolErrors atomic.Uint64
}

type subscription struct {
	pred    Predicate
	handler func(schema.Message)
	live    atomic.Bool
}

type watcher struct {
	id uint64
	fn func(schema.ConnState)
}

// New constructs an idle client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	dial := opts.Dialer
	if dial == nil {
		dial = WebsocketDialer(opts.Origin, opts.ReadLimit)
	}
	return &Client{
		opts:    opts,
		dial:    dial,
		log:     logger.With("engine", opts.URL),
		ctx:     context.Background(),
		settled: make(chan struct{}),
	}
}

// Dial opens a client and waits until the connection is usable.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c := New(opts)
	if err := c.Open(ctx); err != nil {
		return nil, err
	}
	if err := c.WaitOpen(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Open starts connecting in the background. Calling Open while connecting
// or open is a no-op; a closed client cannot be reopened.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case schema.ConnConnecting, schema.ConnOpen:
		c.mu.Unlock()
		return nil
	case schema.ConnClosed, schema.ConnErrored:
		c.mu.Unlock()
		return fmt.Errorf("open: %w", schema.ErrConnectionLost)
	case schema.ConnIdle:
	}
	if c.opts.URL == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: engine url is required", schema.ErrInvalidRequest)
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	life := c.ctx
	notify := c.setStateLocked(schema.ConnConnecting)
	c.mu.Unlock()
	notify()
	go c.connect(life)
	return nil
}

func (c *Client) connect(ctx context.Context) {
	timeout := c.opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := c.dial(dialCtx, c.opts.URL)
	cancel()
	if err != nil {
		c.log.Warn("session dial failed", "err", err)
		c.fail(fmt.Errorf("%w: %v", schema.ErrConnectionLost, err), schema.ConnErrored)
		return
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.state != schema.ConnConnecting {
		c.mu.Unlock()
		c.writeMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	c.conn = conn
	queue := c.queue
	c.queue = nil
	notify := c.setStateLocked(schema.ConnOpen)
	c.mu.Unlock()

	c.log.Debug("session open", "queued", len(queue))
	var werr error
	for _, frame := range queue {
		if werr = c.write(ctx, conn, frame); werr != nil {
			break
		}
	}
	c.writeMu.Unlock()
	notify()
	go c.readLoop(ctx, conn)
	if werr != nil {
		c.log.Warn("session flush failed", "err", werr)
		if conn := c.fail(fmt.Errorf("%w: %v", schema.ErrConnectionLost, werr), schema.ConnErrored); conn != nil {
			_ = conn.Close(websocket.StatusInternalError, "write failed")
		}
	}
}

// Close releases the connection. Pending calls fail with ErrConnectionLost;
// subscriptions stay registered but receive nothing further.
func (c *Client) Close() error {
	c.mu.Lock()
	terminal := c.state.Terminal()
	c.mu.Unlock()
	if terminal {
		return nil
	}
	conn := c.fail(schema.ErrConnectionLost, schema.ConnClosed)
	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		c.log.Debug("session close", "err", err)
	}
	return nil
}

// fail moves the client to a terminal state and rejects every pending call.
// It returns the transport that was live, if any, for the caller to close.
func (c *Client) fail(cause error, state schema.ConnState) Conn {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.cause = cause
	pending := c.pending
	c.pending = nil
	c.queue = nil
	conn := c.conn
	cancel := c.cancel
	notify := c.setStateLocked(state)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debug("session rejecting pending calls", "count", len(pending), "state", state)
	}
	for _, p := range pending {
		p.settle(schema.Message{}, cause)
	}
	notify()
	if cancel != nil {
		cancel()
	}
	return conn
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(err)
			return
		}
		if typ != websocket.MessageText {
			c.protocolError(&schema.ProtocolError{Frame: fmt.Sprintf("<%d byte binary frame>", len(data)), Err: errBinaryFrame})
			continue
		}
		msg, err := schema.ParseMessage(data)
		if err != nil {
			var perr *schema.ProtocolError
			if !errors.As(err, &perr) {
				perr = &schema.ProtocolError{Frame: string(data), Err: err}
			}
			c.protocolError(perr)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	terminal := c.state.Terminal()
	c.mu.Unlock()
	if terminal {
		return
	}
	state := schema.ConnErrored
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		state = schema.ConnClosed
		c.log.Debug("session closed by engine")
	default:
		c.log.Warn("session connection lost", "err", err)
	}
	if conn := c.fail(fmt.Errorf("%w: %v", schema.ErrConnectionLost, err), state); conn != nil && state == schema.ConnErrored {
		_ = conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (c *Client) protocolError(perr *schema.ProtocolError) {
	c.protocolErrors.Add(1)
	c.log.Warn("session dropped malformed frame", "err", perr.Err, "frame", perr.Frame)
	if c.opts.OnProtocolError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("session protocol error hook panic", "panic", r)
		}
	}()
	c.opts.OnProtocolError(perr)
}

// dispatch resolves at most one pending call, then offers the message to
// every live subscription in registration order.
func (c *Client) dispatch(msg schema.Message) {
	c.log.Trace("session frame", "status", msg.Status, "command", msg.Command, "ref", msg.Ref)
	if p := c.claim(msg); p != nil {
		if msg.Status == schema.StatusError {
			p.settle(msg, &schema.RemoteError{Command: p.Request.Command, Message: msg.Message})
		} else {
			p.settle(msg, nil)
		}
	}
	c.mu.Lock()
	subs := slices.Clone(c.subs)
	c.mu.Unlock()
	for _, sub := range subs {
		if sub.live.Load() {
			c.invoke(sub, msg)
		}
	}
}

// claim removes and returns the call the message answers. A message
// carrying a ref only answers the call with that ref.
func (c *Client) claim(msg schema.Message) *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.pending {
		if msg.Ref != "" {
			if p.Ref != msg.Ref {
				continue
			}
		} else if !c.matches(p.match, msg) {
			continue
		}
		c.pending = slices.Delete(c.pending, i, i+1)
		return p
	}
	return nil
}

func (c *Client) matches(pred Predicate, msg schema.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("session predicate panic", "panic", r)
			ok = false
		}
	}()
	return pred != nil && pred(msg)
}

func (c *Client) invoke(sub *subscription, msg schema.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("session handler panic", "panic", r, "status", msg.Status, "command", msg.Command)
		}
	}()
	if sub.pred != nil && !sub.pred(msg) {
		return
	}
	sub.handler(msg)
}

// Go sends req and returns its pending reply. Frames issued while connecting
// are queued and flushed in order once open.
func (c *Client) Go(req schema.Request, opts ...CallOption) *Pending {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if req.Ref == "" {
		req.Ref = uuid.NewString()
	}
	if req.Args == nil {
		req.Args = []any{}
	}
	p := newPending(c, req, o.predicate(req))
	if req.Command == "" {
		p.settle(schema.Message{}, fmt.Errorf("%w: missing command", schema.ErrInvalidRequest))
		return p
	}
	frame, err := json.Marshal(req)
	if err != nil {
		p.settle(schema.Message{}, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return p
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	switch c.state {
	case schema.ConnIdle:
		c.mu.Unlock()
		p.settle(schema.Message{}, schema.ErrNotConnected)
		return p
	case schema.ConnClosed, schema.ConnErrored:
		cause := c.cause
		c.mu.Unlock()
		p.settle(schema.Message{}, cause)
		return p
	case schema.ConnConnecting:
		c.pending = append(c.pending, p)
		c.queue = append(c.queue, frame)
		c.mu.Unlock()
		c.log.Trace("session call queued", "command", req.Command, "ref", req.Ref)
		return p
	case schema.ConnOpen:
	}
	c.pending = append(c.pending, p)
	conn, ctx := c.conn, c.ctx
	c.mu.Unlock()

	c.log.Trace("session call", "command", req.Command, "ref", req.Ref)
	if err := c.write(ctx, conn, frame); err != nil {
		c.forget(p)
		p.settle(schema.Message{}, fmt.Errorf("%w: %v", schema.ErrConnectionLost, err))
	}
	return p
}

// Call sends req and waits for its reply. Cancelling ctx abandons the wait
// locally; the engine still processes the request.
func (c *Client) Call(ctx context.Context, req schema.Request, opts ...CallOption) (schema.Message, error) {
	return c.Go(req, opts...).Wait(ctx)
}

func (c *Client) write(ctx context.Context, conn Conn, frame []byte) error {
	timeout := c.opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (c *Client) forget(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.pending, p); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

// Subscribe registers a durable handler for messages matching pred (all
// messages when pred is nil). Handlers run on the dispatch goroutine in
// registration order. The returned func unsubscribes.
func (c *Client) Subscribe(pred Predicate, handler func(schema.Message)) func() {
	if handler == nil {
		return func() {}
	}
	sub := &subscription{pred: pred, handler: handler}
	sub.live.Store(true)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	count := len(c.subs)
	c.mu.Unlock()
	c.log.Trace("session subscribe", "subs", count)
	var once sync.Once
	return func() {
		once.Do(func() {
			sub.live.Store(false)
			c.mu.Lock()
			if i := slices.Index(c.subs, sub); i >= 0 {
				c.subs = slices.Delete(c.subs, i, i+1)
			}
			c.mu.Unlock()
		})
	}
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(schema.ConnState)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	w := &watcher{id: c.nextID, fn: fn}
	c.watchers = append(c.watchers, w)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.watchers = slices.DeleteFunc(c.watchers, func(other *watcher) bool { return other.id == w.id })
	}
}

func (c *Client) setStateLocked(state schema.ConnState) func() {
	if c.state == state {
		return func() {}
	}
	prev := c.state
	c.state = state
	if prev == schema.ConnConnecting {
		close(c.settled)
	}
	fns := make([]func(schema.ConnState), 0, len(c.watchers))
	for _, w := range c.watchers {
		fns = append(fns, w.fn)
	}
	log := c.log
	return func() {
		log.Debug("session state", "from", prev, "to", state)
		for _, fn := range fns {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Warn("session state watcher panic", "panic", r)
					}
				}()
				fn(state)
			}()
		}
	}
}

// State returns the connection state.
func (c *Client) State() schema.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether frames can currently flow.
func (c *Client) Connected() bool {
	return c.State() == schema.ConnOpen
}

// Err returns why the connection ended, or nil while it is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// WaitOpen blocks until the connection is open or can no longer open.
func (c *Client) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, settled, cause := c.state, c.settled, c.cause
		c.mu.Unlock()
		switch state {
		case schema.ConnOpen:
			return nil
		case schema.ConnIdle:
			return schema.ErrNotConnected
		case schema.ConnClosed, schema.ConnErrored:
			return cause
		case schema.ConnConnecting:
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ProtocolErrors returns how many inbound frames were dropped as malformed.
func (c *Client) ProtocolErrors() uint64 {
	return c.protocolErrors.Load()
}

// URL returns the engine address.
func (c *Client) URL() string {
	return c.opts.URL
}
