package bridge

import (
	"log/slog"

	"github.com/wagiedev/opencode-bridge/internal/config"
)

// Config is the bridge configuration. See LoadConfig for the file and
// environment handling.
type Config = config.Config

// LoadConfig reads the YAML configuration at path over the built-in
// defaults and applies environment overrides. A missing file is fine;
// an empty path skips the file entirely.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return config.Default()
}

// Option configures a Bridge during New.
type Option func(*Bridge)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) {
		if log != nil {
			b.log = log
		}
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg *Config) Option {
	return func(b *Bridge) {
		if cfg != nil {
			b.cfg = cfg
		}
	}
}

// WithBackendAddress points the bridge at a specific backend address.
func WithBackendAddress(host string, port int) Option {
	return func(b *Bridge) {
		b.cfg.Backend.Host = host
		b.cfg.Backend.Port = port
	}
}

// WithExecutable sets an explicit backend binary path, skipping
// discovery.
func WithExecutable(path string) Option {
	return func(b *Bridge) {
		b.cfg.Backend.Executable = path
	}
}

// WithCredential sets the backend credential. It reaches a spawned
// backend through its environment only, never the command line.
func WithCredential(credential string) Option {
	return func(b *Bridge) {
		b.cfg.Backend.Credential = credential
	}
}

// WithSessionLogDir overrides where per-session event logs are written.
func WithSessionLogDir(dir string) Option {
	return func(b *Bridge) {
		b.cfg.Sessions.LogDir = dir
	}
}
