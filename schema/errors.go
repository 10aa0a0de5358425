package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost indicates the connection closed or failed while a call was pending.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotConnected indicates a call was issued on a client that was never opened.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidRequest indicates a malformed request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidConfigID indicates an empty or malformed config id.
	ErrInvalidConfigID = errors.New("invalid config id")
	// ErrEmptyQuery indicates a run was requested without a path or query.
	ErrEmptyQuery = errors.New("empty query")
	// ErrConfigNotLoaded indicates an edit arrived before any config was loaded.
	ErrConfigNotLoaded = errors.New("config not loaded")
	// ErrUnexpectedReply indicates a reply matched but lacked the expected payload.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// RemoteError is an explicit error-status reply to a call.
type RemoteError struct {
	Command Command
	Message string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Command != "" {
		return fmt.Sprintf("%s: remote error: %s", e.Command, msg)
	}
	return "remote error: " + msg
}

// ProtocolError describes an inbound frame that could not be decoded.
type ProtocolError struct {
	Frame string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol error"
	}
	return "protocol error: " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
