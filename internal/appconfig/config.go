package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/kmdash/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int            `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string         `mapstructure:"state_dir" yaml:"state_dir"`
	Server        ServerConfig   `mapstructure:"server" yaml:"server"`
	Terminal      TerminalConfig `mapstructure:"terminal" yaml:"terminal"`
	Mock          MockConfig     `mapstructure:"mock" yaml:"mock"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServerConfig points the dashboard at the pipeline engine.
type ServerConfig struct {
	URL                string `mapstructure:"url" yaml:"url"`
	Origin             string `mapstructure:"origin" yaml:"origin"`
	DialTimeoutSeconds int    `mapstructure:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	ReadLimitBytes     int64  `mapstructure:"read_limit_bytes" yaml:"read_limit_bytes"`
}

// TerminalConfig controls output reconstruction.
type TerminalConfig struct {
	MaxLines   int `mapstructure:"max_lines" yaml:"max_lines"`
	ChunkWidth int `mapstructure:"chunk_width" yaml:"chunk_width"`
}

// MockConfig configures the bundled mock engine.
type MockConfig struct {
	Addr          string `mapstructure:"addr" yaml:"addr"`
	OutputDelayMS int    `mapstructure:"output_delay_ms" yaml:"output_delay_ms"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(home, ".kmdash", "state"),
		Server: ServerConfig{
			URL:                "ws://localhost:8000/ws/pipeline/",
			Origin:             "",
			DialTimeoutSeconds: 10,
			CallTimeoutSeconds: int(schema.DefaultCallTimeout / time.Second),
			ReadLimitBytes:     1 << 20,
		},
		Terminal: TerminalConfig{
			MaxLines:   schema.DefaultBufferMaxLines,
			ChunkWidth: schema.DefaultChunkWidth,
		},
		Mock: MockConfig{
			Addr:          "127.0.0.1:8000",
			OutputDelayMS: 150,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kmdash", "config.yaml"), nil
}

// DialTimeout returns the dial timeout.
func (c ServerConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-call timeout.
func (c ServerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// OutputDelay returns the spacing between streamed mock fragments.
func (c MockConfig) OutputDelay() time.Duration {
	return time.Duration(c.OutputDelayMS) * time.Millisecond
}

// Schema converts the terminal section to the core's terminal config.
func (c TerminalConfig) Schema() schema.TerminalConfig {
	return schema.TerminalConfig{MaxLines: c.MaxLines, ChunkWidth: c.ChunkWidth}
}
