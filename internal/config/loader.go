package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/mcp/mcpserver"
	"github.com/diffusiondata/diffusion-mcp-server-sub000/internal/observe"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = mcpserver.TransportStdio
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.IdleWindow == 0 {
		cfg.Session.IdleWindow = DefaultIdleWindow
	}
	if cfg.Session.CallDeadline == 0 {
		cfg.Session.CallDeadline = DefaultCallDeadline
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = DefaultSweepInterval
	}
	if cfg.Backend.DialTimeout == 0 {
		cfg.Backend.DialTimeout = DefaultDialTimeout
	}
	if cfg.Backend.Breaker.MaxFailures == 0 {
		cfg.Backend.Breaker.MaxFailures = DefaultBreakerFails
	}
	if cfg.Backend.Breaker.ResetTimeout == 0 {
		cfg.Backend.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = DefaultAuditQueueSize
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = observe.DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("server.transport %q is invalid; valid values: stdio, streamable-http", cfg.Server.Transport))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	if cfg.Session.IdleWindow < 0 {
		errs = append(errs, fmt.Errorf("session.idle_window %s must be positive", cfg.Session.IdleWindow))
	}
	if cfg.Session.CallDeadline < 0 {
		errs = append(errs, fmt.Errorf("session.call_deadline %s must be positive", cfg.Session.CallDeadline))
	}
	if cfg.Session.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("session.sweep_interval %s must be positive", cfg.Session.SweepInterval))
	}
	if cfg.Session.SweepInterval > 0 && cfg.Session.IdleWindow > 0 && cfg.Session.SweepInterval > cfg.Session.IdleWindow {
		errs = append(errs, fmt.Errorf("session.sweep_interval %s exceeds session.idle_window %s",
			cfg.Session.SweepInterval, cfg.Session.IdleWindow))
	}

	// Backend
	if raw := cfg.Backend.DefaultURL; raw != "" {
		u, err := url.Parse(raw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("backend.default_url %q: %w", raw, err))
		case u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, fmt.Errorf("backend.default_url %q must use one of the ws, wss, http or https schemes", raw))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("backend.default_url %q has no host", raw))
		}
	}
	if cfg.Backend.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %s must be positive", cfg.Backend.DialTimeout))
	}
	if cfg.Backend.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.max_failures %d must be positive", cfg.Backend.Breaker.MaxFailures))
	}
	if cfg.Backend.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.breaker.reset_timeout %s must be positive", cfg.Backend.Breaker.ResetTimeout))
	}

	// Audit
	if cfg.Audit.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audit.queue_size %d must be positive", cfg.Audit.QueueSize))
	}

	return errors.Join(errs...)
}
