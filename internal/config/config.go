package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes YAML scalars like "30s" as
// well as bare numbers, which are taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Bare numbers resolve as strings too, so the tag decides the form.
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var seconds float64
		if err := value.Decode(&seconds); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}

		*d = Duration(time.Duration(seconds * float64(time.Second)))

		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full bridge configuration: the HTTP surface exposed to the
// chat front-end, the backend target to supervise, and session handling.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig configures the bridge's own HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig describes the backend server target and startup policy.
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Executable is the path to the backend binary. Empty means auto-detect
	// via $OPENCODE_PATH, $PATH, and common install locations.
	Executable string `yaml:"executable"`

	// Credential is the backend server password. It is only ever passed to
	// the child process through its environment, never on the command line.
	Credential string `yaml:"credential"`

	// AutoStart spawns the backend on bridge startup when it is not
	// already reachable.
	AutoStart bool `yaml:"auto_start"`

	// Strict aborts bridge startup when the backend cannot be brought to a
	// healthy state. Non-strict mode logs the failure and continues degraded.
	Strict bool `yaml:"strict"`

	WaitForHealthy bool     `yaml:"wait_for_healthy"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SessionsConfig configures session bookkeeping and event logging.
type SessionsConfig struct {
	// LogDir is where per-session append-only event logs are written.
	LogDir string `yaml:"log_dir"`

	// StorePath persists the chat-to-session mapping as JSON. Empty keeps
	// the mapping in memory only.
	StorePath string `yaml:"store_path"`

	// Timeout is the inactivity age after which sessions are cleaned up.
	Timeout Duration `yaml:"timeout"`
}

// Default returns the built-in configuration, matching an unconfigured
// local backend on 127.0.0.1:4096.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5147,
		},
		Backend: BackendConfig{
			Host:           "127.0.0.1",
			Port:           4096,
			AutoStart:      false,
			Strict:         true,
			WaitForHealthy: true,
			StartupTimeout: Duration(60 * time.Second),
			RequestTimeout: Duration(300 * time.Second),
		},
		Sessions: SessionsConfig{
			LogDir:  "session_logs",
			Timeout: Duration(300 * time.Second),
		},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error: defaults plus
// environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overrides
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OPENCODE_HOST"); v != "" {
		c.Backend.Host = v
	}

	if v := os.Getenv("OPENCODE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Backend.Port = port
		}
	}

	if v := os.Getenv("OPENCODE_PATH"); v != "" {
		c.Backend.Executable = v
	}

	if v := os.Getenv("OPENCODE_SERVER_PASSWORD"); v != "" {
		c.Backend.Credential = v
	}

	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		c.Server.Host = v
	}

	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("BRIDGE_SESSION_LOG_DIR"); v != "" {
		c.Sessions.LogDir = v
	}

	if v := os.Getenv("BRIDGE_STRICT"); v != "" {
		c.Backend.Strict = v == "true" || v == "1"
	}

	if v := os.Getenv("BRIDGE_AUTO_START"); v != "" {
		c.Backend.AutoStart = v == "true" || v == "1"
	}
}

func (c *Config) validate() error {
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("invalid backend port: %d", c.Backend.Port)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Backend.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be positive, got %s", c.Backend.StartupTimeout)
	}

	return nil
}
