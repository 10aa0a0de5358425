package eventbus

import (
	"context"
	"sync"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventOutput carries an accepted output fragment for a config.
	EventOutput EventType = "output"
	// EventRun carries a run lifecycle transition.
	EventRun EventType = "run"
	// EventDeleted reports that a config was removed.
	EventDeleted EventType = "deleted"
	// EventConn carries a connection state change.
	EventConn EventType = "conn"
)

// AllConfigs subscribes to events for every config.
const AllConfigs schema.ConfigID = ""

// Event represents a UI-facing event emitted by the terminal.
type Event struct {
	Type    EventType
	Output  schema.OutputEvent
	Run     schema.RunEvent
	Deleted schema.ConfigDeletedEvent
	Conn    schema.ConnState
}

// Bus fans events out to per-config subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.ConfigID]map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.ConfigID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for the config (AllConfigs for every
// config) and returns a channel + cancel.
func (b *Bus) Subscribe(id schema.ConfigID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	configSubs := b.subs[id]
	if configSubs == nil {
		configSubs = make(map[chan Event]struct{})
		b.subs[id] = configSubs
	}
	configSubs[ch] = struct{}{}
	count := len(configSubs)
	b.mu.Unlock()
	b.log.With("config", id).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[id]; subs != nil {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(b.subs, id)
				}
			}
			close(ch)
			b.mu.Unlock()
			b.log.With("config", id).Debug("eventbus unsubscribe")
		})
	}
}

// OnOutput publishes an output event.
func (b *Bus) OnOutput(event schema.OutputEvent) {
	b.publish(event.ConfigID, Event{Type: EventOutput, Output: event})
}

// OnRunEvent publishes a run event.
func (b *Bus) OnRunEvent(event schema.RunEvent) {
	b.publish(event.State.ConfigID, Event{Type: EventRun, Run: event})
}

// OnConfigDeleted publishes a deletion.
func (b *Bus) OnConfigDeleted(event schema.ConfigDeletedEvent) {
	b.publish(event.ConfigID, Event{Type: EventDeleted, Deleted: event})
}

// OnConnState publishes a connection state change to every subscriber.
func (b *Bus) OnConnState(state schema.ConnState) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		b.sendLocked(AllConfigs, subs, Event{Type: EventConn, Conn: state})
	}
}

func (b *Bus) publish(id schema.ConfigID, event Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(id, b.subs[id], event)
	if id != AllConfigs {
		b.sendLocked(id, b.subs[AllConfigs], event)
	}
}

// sendLocked never blocks; a full subscriber misses the event.
func (b *Bus) sendLocked(id schema.ConfigID, subs map[chan Event]struct{}, event Event) {
	dropped := 0
	for sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		b.log.With("config", id).Trace("eventbus dropped", "count", dropped)
	}
}
