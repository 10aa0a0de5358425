package core

import (
	"sync"

	"pkt.systems/kmdash/schema"
	"pkt.systems/pslog"
)

// RunTracker tracks the run lifecycle of each config and owns the output
// buffer of its current run. Output or conclusions tagged with any other run
// are discarded here and never reach a buffer.
type RunTracker struct {
	mu       sync.Mutex
	runs     map[schema.ConfigID]*runEntry
	lastSeq  schema.RunSeq
	maxLines int
	log      pslog.Logger
}

type runEntry struct {
	status    schema.RunStatus
	seq       schema.RunSeq
	concluded bool
	buffer    *LineBuffer
}

// NewRunTracker constructs a tracker whose buffers hold maxLines lines.
func NewRunTracker(maxLines int, logger pslog.Logger) *RunTracker {
	return &RunTracker{
		runs:     make(map[schema.ConfigID]*runEntry),
		maxLines: maxLines,
		log:      logger,
	}
}

// Start moves the config to running under a fresh run sequence, clears its
// buffer and returns the sequence for correlation with the remote call.
func (t *RunTracker) Start(id schema.ConfigID) schema.RunSeq {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeq++
	entry := t.entryLocked(id)
	entry.status = schema.RunRunning
	entry.seq = t.lastSeq
	entry.concluded = false
	entry.buffer.Reset()
	if t.log != nil {
		t.log.Debug("run start", "config", id, "run", entry.seq)
	}
	return entry.seq
}

// OnTerminalEvent concludes the current run. Events for any other run are
// ignored and reported as false.
func (t *RunTracker) OnTerminalEvent(id schema.ConfigID, seq schema.RunSeq, outcome schema.Outcome) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.runs[id]
	if !entry.current(seq) {
		if t.log != nil {
			t.log.Trace("run stale conclusion dropped", "config", id, "run", seq)
		}
		return false
	}
	entry.status = outcome.Status()
	entry.concluded = true
	if t.log != nil {
		t.log.Debug("run concluded", "config", id, "run", seq, "status", entry.status)
	}
	return true
}

// OnOutput appends a fragment to the config's buffer when it belongs to the
// current, unconcluded run.
func (t *RunTracker) OnOutput(id schema.ConfigID, seq schema.RunSeq, fragment string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.runs[id]
	if !entry.current(seq) {
		if t.log != nil {
			t.log.Trace("run stale output dropped", "config", id, "run", seq, "bytes", len(fragment))
		}
		return false
	}
	entry.buffer.Append(fragment)
	return true
}

// Stop returns the config to idle without waiting for the engine. Anything
// that later arrives for the stopped run is stale.
func (t *RunTracker) Stop(id schema.ConfigID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.entryLocked(id)
	if t.log != nil && entry.status == schema.RunRunning {
		t.log.Debug("run stop", "config", id, "run", entry.seq)
	}
	entry.status = schema.RunIdle
	entry.seq = 0
	entry.concluded = false
}

// State returns the config's run state; unknown configs are idle.
func (t *RunTracker) State(id schema.ConfigID) schema.RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.runs[id]
	if entry == nil {
		return schema.RunState{ConfigID: id, Status: schema.RunIdle}
	}
	return schema.RunState{ConfigID: id, Status: entry.status, Seq: entry.seq}
}

// Running lists configs whose current run has not concluded.
func (t *RunTracker) Running() []schema.ConfigID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []schema.ConfigID
	for id, entry := range t.runs {
		if entry.status == schema.RunRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns the config's buffered lines.
func (t *RunTracker) Snapshot(id schema.ConfigID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.runs[id]
	if entry == nil {
		return nil
	}
	return entry.buffer.Snapshot()
}

// Render returns the config's buffered lines cut to width visible cells.
func (t *RunTracker) Render(id schema.ConfigID, width int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.runs[id]
	if entry == nil {
		return nil
	}
	return entry.buffer.Render(width)
}

func (t *RunTracker) entryLocked(id schema.ConfigID) *runEntry {
	entry := t.runs[id]
	if entry == nil {
		entry = &runEntry{status: schema.RunIdle, buffer: NewLineBuffer(t.maxLines)}
		t.runs[id] = entry
	}
	return entry
}

// current reports whether seq is the entry's running, unconcluded run.
func (e *runEntry) current(seq schema.RunSeq) bool {
	if e == nil || e.seq == 0 || seq != e.seq {
		return false
	}
	switch e.status {
	case schema.RunRunning:
		return !e.concluded
	case schema.RunIdle, schema.RunOK, schema.RunError:
		return false
	default:
		return false
	}
}
