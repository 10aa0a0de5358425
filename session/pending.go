package session

import (
	"context"
	"sync"
	"time"

	"pkt.systems/kmdash/schema"
)

// Pending is an outstanding call. It settles exactly once: with the first
// matching reply, with a *schema.RemoteError for an error reply, or with
// ErrConnectionLost when the connection ends first.
type Pending struct {
	Request schema.Request
	Ref     string
	Created time.Time

	match  Predicate
	client *Client
	once   sync.Once
	done   chan struct{}
	msg    schema.Message
	err    error
}

func newPending(c *Client, req schema.Request, match Predicate) *Pending {
	return &Pending{
		Request: req,
		Ref:     req.Ref,
		Created: time.Now(),
		match:   match,
		client:  c,
		done:    make(chan struct{}),
	}
}

func (p *Pending) settle(msg schema.Message, err error) bool {
	settled := false
	p.once.Do(func() {
		p.msg, p.err = msg, err
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the call settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result blocks until the call settles. The reply is returned alongside a
// RemoteError so callers can inspect it.
func (p *Pending) Result() (schema.Message, error) {
	<-p.done
	return p.msg, p.err
}

// Wait is Result bounded by ctx. When ctx ends first the call is abandoned.
func (p *Pending) Wait(ctx context.Context) (schema.Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		p.abandon(ctx.Err())
		return p.Result()
	}
}

// Cancel abandons the call locally. A late reply will match nothing.
func (p *Pending) Cancel() {
	p.abandon(context.Canceled)
}

func (p *Pending) abandon(err error) {
	if p.client != nil {
		p.client.forget(p)
	}
	p.settle(schema.Message{}, err)
}
