package schema

import "fmt"

// RunStatus is the closed set of run lifecycle states.
type RunStatus int

const (
	// RunIdle means no run is in progress and none has concluded since the last stop.
	RunIdle RunStatus = iota
	// RunRunning means a run was started and has not concluded.
	RunRunning
	// RunOK means the current run concluded successfully.
	RunOK
	// RunError means the current run concluded with an error.
	RunError
)

// String returns the wire tag of the status.
func (s RunStatus) String() string {
	switch s {
	case RunIdle:
		return "idle"
	case RunRunning:
		return "running"
	case RunOK:
		return "ok"
	case RunError:
		return "error"
	default:
		return fmt.Sprintf("RunStatus(%d)", int(s))
	}
}

// Concluded reports whether the status is terminal.
func (s RunStatus) Concluded() bool {
	switch s {
	case RunOK, RunError:
		return true
	case RunIdle, RunRunning:
		return false
	default:
		return false
	}
}

// Outcome is the result carried by a terminal event.
type Outcome int

const (
	// OutcomeOK concludes a run successfully.
	OutcomeOK Outcome = iota
	// OutcomeError concludes a run with an error.
	OutcomeError
)

// Status maps the outcome to the run status it produces.
func (o Outcome) Status() RunStatus {
	switch o {
	case OutcomeOK:
		return RunOK
	case OutcomeError:
		return RunError
	default:
		return RunError
	}
}

// OutcomeFromStatus maps a terminal frame status to an outcome.
func OutcomeFromStatus(status Status) (Outcome, bool) {
	switch status {
	case StatusOK:
		return OutcomeOK, true
	case StatusError:
		return OutcomeError, true
	default:
		return OutcomeError, false
	}
}

// RunState is a read-only view of a config's run lifecycle.
type RunState struct {
	ConfigID ConfigID
	Status   RunStatus
	// Seq is the current run; zero when no run is tracked.
	Seq RunSeq
}

// ConnState is the lifecycle of the shared connection.
type ConnState int

const (
	// ConnIdle means the connection was never opened.
	ConnIdle ConnState = iota
	// ConnConnecting means a dial is in progress.
	ConnConnecting
	// ConnOpen means frames can flow.
	ConnOpen
	// ConnClosed means the connection was closed normally.
	ConnClosed
	// ConnErrored means the connection failed.
	ConnErrored
)

// String returns a short label for the state.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnOpen:
		return "open"
	case ConnClosed:
		return "closed"
	case ConnErrored:
		return "errored"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Terminal reports whether the state can no longer carry frames.
func (s ConnState) Terminal() bool {
	return s == ConnClosed || s == ConnErrored
}
