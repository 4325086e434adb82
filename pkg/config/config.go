// Package config contains the whisper configuration.
package config

import (
	"github.com/apex/log"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/runtimex"
)

// Config contains options to initialize the tunnel session.
type Config struct {
	// options contains the user-facing options.
	options *Options

	// logger will be used to log events.
	logger model.Logger
}

// NewConfig returns a Config ready to intialize a tunnel session.
func NewConfig(options ...Option) *Config {
	cfg := &Config{
		options: DefaultOptions(),
		logger:  log.Log,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return cfg
}

// Option is an option you can pass to initialize whisper.
type Option func(config *Config)

// WithLogger configures the passed [Logger].
func WithLogger(logger model.Logger) Option {
	return func(config *Config) {
		config.logger = logger
	}
}

// Logger returns the configured logger.
func (c *Config) Logger() model.Logger {
	return c.logger
}

// WithConfigFile configures Options parsed from the given YAML file.
func WithConfigFile(configPath string) Option {
	return func(config *Config) {
		opts, err := ReadConfigFile(configPath)
		runtimex.PanicOnError(err, "cannot parse config file")
		config.options = opts
	}
}

// WithOptions configures the passed options.
func WithOptions(options *Options) Option {
	return func(config *Config) {
		config.options = options
	}
}

// WithRemoteURL overrides the remote endpoint URL.
func WithRemoteURL(remote string) Option {
	return func(config *Config) {
		if remote != "" {
			config.options.RemoteURL = remote
		}
	}
}

// WithDNSURL overrides the DNS-over-HTTPS resolver URL.
func WithDNSURL(doh string) Option {
	return func(config *Config) {
		if doh != "" {
			config.options.DNSURL = doh
		}
	}
}

// WithTimeouts overrides the teardown timeouts.
func WithTimeouts(timeouts Timeouts) Option {
	return func(config *Config) {
		config.options.Timeouts = timeouts
	}
}

// Options returns the configured options.
func (c *Config) Options() *Options {
	return c.options
}

// RemoteURL returns the normalized remote endpoint URL.
func (c *Config) RemoteURL() string {
	return NormalizeRemoteURL(c.options.RemoteURL)
}

// DNSURL returns the normalized DNS-over-HTTPS resolver URL.
func (c *Config) DNSURL() string {
	return NormalizeDNSURL(c.options.DNSURL)
}

// Timeouts returns the teardown timeouts, with defaults for unset values.
func (c *Config) Timeouts() Timeouts {
	return c.options.Timeouts.withDefaults()
}

// TunnelInfo returns the virtual interface configuration for the
// configured remote.
func (c *Config) TunnelInfo() model.TunnelInfo {
	return c.TunnelInfoFor(c.RemoteURL())
}

// TunnelInfoFor returns the virtual interface configuration for a session
// connecting to remote. The remote is excluded from the tunnel to prevent
// routing loops.
func (c *Config) TunnelInfoFor(remote string) model.TunnelInfo {
	return c.options.Tunnel.tunnelInfo(remote)
}

// EngineConfig returns the engine configuration for a session whose device
// is fd and whose bridge listens on port.
func (c *Config) EngineConfig(fd, port int) model.EngineConfig {
	return c.options.Engine.engineConfig(fd, c.TunnelInfo().MTU, port)
}
