package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Command names an engine operation.
type Command string

const (
	// CommandRun starts a pipeline run for a config.
	CommandRun Command = "run"
	// CommandClose stops a config's pipeline kernel (deactivate).
	CommandClose Command = "close"
	// CommandUpdate lists configs with an active pipeline.
	CommandUpdate Command = "update"
	// CommandCreateConfig stores a new config.
	CommandCreateConfig Command = "config"
	// CommandGetConfig fetches a stored config.
	CommandGetConfig Command = "get_config"
	// CommandUpdateConfig overwrites a stored config's content.
	CommandUpdateConfig Command = "update_config"
	// CommandDeleteConfig removes a stored config.
	CommandDeleteConfig Command = "delete_config"
	// CommandListConfigs lists stored configs.
	CommandListConfigs Command = "list_configs"
	// CommandCreationInfo fetches the stage registry and default config.
	CommandCreationInfo Command = "config_creation_info"
	// CommandListCalculations lists past runs of a config.
	CommandListCalculations Command = "list_calculations"
	// CommandListScripts lists registered stage scripts.
	CommandListScripts Command = "list_scripts"
	// CommandDeleteScript removes a registered stage script.
	CommandDeleteScript Command = "delete_script"
)

// Request is an outbound frame.
type Request struct {
	Command Command `json:"command"`
	Args    []any   `json:"args"`
	// Ref is a correlation token the engine echoes on direct replies.
	Ref string `json:"ref,omitempty"`
}

// Arg returns the i-th argument formatted as a string.
func (r Request) Arg(i int) (string, bool) {
	if i < 0 || i >= len(r.Args) {
		return "", false
	}
	switch v := r.Args[i].(type) {
	case string:
		return v, true
	case ConfigID:
		return string(v), true
	case RunSeq:
		return v.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

// From tags a pushed frame with the run it belongs to.
type From struct {
	ConfigID ConfigID
	Seq      RunSeq
}

// UnmarshalJSON decodes the [config_id, run_seq] pair.
func (f *From) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("from: expected 2 elements, got %d", len(pair))
	}
	if err := f.ConfigID.UnmarshalJSON(pair[0]); err != nil {
		return err
	}
	return f.Seq.UnmarshalJSON(pair[1])
}

// MarshalJSON encodes the [config_id, run_seq] pair.
func (f From) MarshalJSON() ([]byte, error) {
	id, err := f.ConfigID.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("[%s,%d]", id, uint64(f.Seq))), nil
}

// Message is a decoded inbound frame. Common fields are typed; everything
// else stays reachable through Field and Decode.
type Message struct {
	Status  Status
	Command Command
	Ref     string
	From    *From
	Output  string
	Message string

	fields map[string]json.RawMessage
	raw    []byte
}

var errNotObject = errors.New("frame is not a JSON object")

// ParseMessage decodes a text frame. Any failure is a *ProtocolError.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: errNotObject}
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	msg := Message{fields: fields, raw: append([]byte(nil), trimmed...)}
	decode := func(name string, v any) error {
		raw, ok := fields[name]
		if !ok || bytes.Equal(raw, []byte("null")) {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
	if err := decode("status", &msg.Status); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	if err := decode("command", &msg.Command); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	if err := decode("ref", &msg.Ref); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	if err := decode("output", &msg.Output); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	if err := decode("message", &msg.Message); err != nil {
		return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
	}
	if raw, ok := fields["from"]; ok && !bytes.Equal(raw, []byte("null")) {
		var from From
		if err := from.UnmarshalJSON(raw); err != nil {
			return Message{}, &ProtocolError{Frame: clipFrame(data), Err: err}
		}
		msg.From = &from
	}
	return msg, nil
}

// Field returns the raw JSON value of a top-level field.
func (m Message) Field(name string) (json.RawMessage, bool) {
	raw, ok := m.fields[name]
	return raw, ok
}

// Has reports whether a top-level field is present and not null.
func (m Message) Has(name string) bool {
	raw, ok := m.fields[name]
	return ok && !bytes.Equal(raw, []byte("null"))
}

// Decode unmarshals a top-level field into v.
func (m Message) Decode(name string, v any) error {
	raw, ok := m.fields[name]
	if !ok {
		return fmt.Errorf("field %q missing", name)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	return nil
}

// Scalar returns a top-level string or number field as a string.
func (m Message) Scalar(name string) (string, bool) {
	raw, ok := m.fields[name]
	if !ok {
		return "", false
	}
	value, err := decodeScalar(raw)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

// Raw returns the frame bytes.
func (m Message) Raw() []byte {
	return m.raw
}

// IsOutput reports whether the frame is a streamed output fragment.
func (m Message) IsOutput() bool {
	return m.Status == StatusOutput && m.From != nil
}

// IsTerminal reports whether the frame concludes a run.
func (m Message) IsTerminal() bool {
	return m.From != nil && (m.Status == StatusOK || m.Status == StatusError)
}

const maxFrameExcerpt = 256

func clipFrame(data []byte) string {
	if len(data) > maxFrameExcerpt {
		return string(data[:maxFrameExcerpt]) + "..."
	}
	return string(data)
}
