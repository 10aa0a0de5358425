package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ConfigID identifies a stored pipeline configuration. The engine emits ids
// as JSON numbers; the dashboard treats them as opaque strings.
type ConfigID string

// UnmarshalJSON accepts both JSON numbers and strings.
func (id *ConfigID) UnmarshalJSON(data []byte) error {
	value, err := decodeScalar(data)
	if err != nil {
		return fmt.Errorf("config id: %w", err)
	}
	*id = ConfigID(value)
	return nil
}

// MarshalJSON emits numeric ids as numbers so the engine can use them as keys.
func (id ConfigID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ConfigID) numeric() bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

// RunSeq identifies one run of a config. Zero means "no run".
type RunSeq uint64

// UnmarshalJSON accepts both JSON numbers and strings.
func (s *RunSeq) UnmarshalJSON(data []byte) error {
	value, err := decodeScalar(data)
	if err != nil {
		return fmt.Errorf("run seq: %w", err)
	}
	if value == "" {
		*s = 0
		return nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("run seq: %w", err)
	}
	*s = RunSeq(parsed)
	return nil
}

// String formats the sequence for logs and args.
func (s RunSeq) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// Status is the top-level status tag of an inbound frame.
type Status string

const (
	// StatusOK marks a successful reply or a successful run conclusion.
	StatusOK Status = "ok"
	// StatusError marks a failed reply or a failed run conclusion.
	StatusError Status = "error"
	// StatusOutput marks a streamed output fragment.
	StatusOutput Status = "output"
	// StatusConnected is pushed once by the engine after accepting a connection.
	StatusConnected Status = "connected"
)

// ConfigType is the stored config kind.
type ConfigType string

const (
	// ConfigTypeCalculation is a runnable pipeline config.
	ConfigTypeCalculation ConfigType = "calculation"
	// ConfigTypeDatabase is a storage config.
	ConfigTypeDatabase ConfigType = "database"
)

// IndexerMode selects the run task.
type IndexerMode bool

// Arg formats the mode the way the engine expects it.
func (m IndexerMode) Arg() string {
	if m {
		return "true"
	}
	return "false"
}

func decodeScalar(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
