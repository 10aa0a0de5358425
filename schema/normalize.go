package schema

import (
	"strings"
	"unicode"
)

// NormalizeConfigID validates and trims a config identifier.
// Allowed characters: letters, digits, '.', '_', '-'.
func NormalizeConfigID(raw string) (ConfigID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidConfigID
	}
	for _, r := range trimmed {
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", ErrInvalidConfigID
	}
	return ConfigID(trimmed), nil
}

// NormalizeRunRequest validates a run request.
func NormalizeRunRequest(req RunRequest) (RunRequest, error) {
	id, err := NormalizeConfigID(string(req.ConfigID))
	if err != nil {
		return RunRequest{}, err
	}
	req.ConfigID = id
	req.PathOrQuery = strings.TrimSpace(req.PathOrQuery)
	if req.PathOrQuery == "" {
		return RunRequest{}, ErrEmptyQuery
	}
	return req, nil
}
