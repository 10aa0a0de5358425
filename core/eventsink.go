package core

import "pkt.systems/kmdash/schema"

// EventSink receives terminal and run events from a Terminal.
type EventSink interface {
	OnOutput(event schema.OutputEvent)
	OnRunEvent(event schema.RunEvent)
	OnConfigDeleted(event schema.ConfigDeletedEvent)
}

// Fanout forwards events to several sinks in order.
type Fanout []EventSink

// OnOutput forwards an output event.
func (f Fanout) OnOutput(event schema.OutputEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnOutput(event)
	}
}

// OnRunEvent forwards a run event.
func (f Fanout) OnRunEvent(event schema.RunEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnRunEvent(event)
	}
}

// OnConfigDeleted forwards a deletion.
func (f Fanout) OnConfigDeleted(event schema.ConfigDeletedEvent) {
	for _, sink := range f {
		if sink == nil {
			continue
		}
		sink.OnConfigDeleted(event)
	}
}
