package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KMDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("server.url", cfg.Server.URL)
	v.SetDefault("server.origin", cfg.Server.Origin)
	v.SetDefault("server.dial_timeout_seconds", cfg.Server.DialTimeoutSeconds)
	v.SetDefault("server.call_timeout_seconds", cfg.Server.CallTimeoutSeconds)
	v.SetDefault("server.read_limit_bytes", cfg.Server.ReadLimitBytes)
	v.SetDefault("terminal.max_lines", cfg.Terminal.MaxLines)
	v.SetDefault("terminal.chunk_width", cfg.Terminal.ChunkWidth)
	v.SetDefault("mock.addr", cfg.Mock.Addr)
	v.SetDefault("mock.output_delay_ms", cfg.Mock.OutputDelayMS)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("server.url") {
			return Config{}, fmt.Errorf("server.url is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validateServerConfig(cfg.Server); err != nil {
		return Config{}, err
	}
	if cfg.Terminal.MaxLines < 0 || cfg.Terminal.ChunkWidth < 0 {
		return Config{}, fmt.Errorf("terminal.max_lines and terminal.chunk_width must not be negative")
	}
	return cfg, nil
}

// isNotFound reports a missing config file. SetConfigFile makes viper
// surface the os error rather than ConfigFileNotFoundError.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return os.IsNotExist(err)
}

func validateServerConfig(cfg ServerConfig) error {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return fmt.Errorf("server.url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("server.url must include scheme and host (e.g. ws://localhost:8000/ws/pipeline/)")
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server.url scheme %q is not supported; use ws or wss", parsed.Scheme)
	}
	if cfg.DialTimeoutSeconds < 0 || cfg.CallTimeoutSeconds < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Server.URL = expandEnv(cfg.Server.URL)
	cfg.Server.Origin = expandEnv(cfg.Server.Origin)
	cfg.Mock.Addr = expandEnv(cfg.Mock.Addr)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
