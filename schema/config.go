package schema

import (
	"errors"
	"time"
)

// DefaultBufferMaxLines is the default per-config terminal buffer limit.
const DefaultBufferMaxLines = 500

// DefaultChunkWidth is the default visible width of a rendered terminal row.
const DefaultChunkWidth = 80

// DefaultCallTimeout bounds a call when the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// TerminalConfig controls output reconstruction.
type TerminalConfig struct {
	MaxLines   int
	ChunkWidth int
}

// NormalizeTerminalConfig applies defaults and validates the config.
func NormalizeTerminalConfig(cfg TerminalConfig) (TerminalConfig, error) {
	if cfg.MaxLines < 0 || cfg.ChunkWidth < 0 {
		return TerminalConfig{}, errors.New("terminal limits must not be negative")
	}
	if cfg.MaxLines == 0 {
		cfg.MaxLines = DefaultBufferMaxLines
	}
	if cfg.ChunkWidth == 0 {
		cfg.ChunkWidth = DefaultChunkWidth
	}
	return cfg, nil
}
