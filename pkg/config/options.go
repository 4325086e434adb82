package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ooni/whisper/internal/model"
)

const (
	// DefaultRemoteURL is used when no remote is configured.
	DefaultRemoteURL = "wss://nebulaservices.org/wisp/"

	// DefaultDNSURL is used when no resolver is configured.
	DefaultDNSURL = "https://cloudflare-dns.com/dns-query"
)

// ErrBadConfig is the generic error returned for invalid config files.
var ErrBadConfig = errors.New("config: bad configuration")

// Options are the user-facing options. They can be read from a YAML file.
type Options struct {
	// RemoteURL is the wisp server URL.
	RemoteURL string `yaml:"remote"`

	// DNSURL is the DNS-over-HTTPS resolver URL.
	DNSURL string `yaml:"doh"`

	// Tunnel configures the virtual interface.
	Tunnel TunnelOptions `yaml:"tunnel"`

	// Engine configures the routing engine.
	Engine EngineOptions `yaml:"engine"`

	// Timeouts configures the teardown waits.
	Timeouts Timeouts `yaml:"timeouts"`
}

// TunnelOptions configures the virtual interface. Zero values mean defaults.
type TunnelOptions struct {
	Address string   `yaml:"address"`
	Route   string   `yaml:"route"`
	DNS     string   `yaml:"dns"`
	MTU     int      `yaml:"mtu"`
	Exclude []string `yaml:"exclude"`
}

// EngineOptions configures the routing engine. Zero values mean defaults.
type EngineOptions struct {
	LogLevel             string `yaml:"loglevel"`
	Mark                 int    `yaml:"fwmark"`
	Interface            string `yaml:"interface"`
	RestAPI              string `yaml:"restapi"`
	TCPSendBufferSize    string `yaml:"tcp-send-buffer-size"`
	TCPReceiveBufferSize string `yaml:"tcp-receive-buffer-size"`
	TCPModerateBuffer    bool   `yaml:"tcp-moderate-receive-buffer"`
}

// Timeouts bounds the teardown waits.
type Timeouts struct {
	// GracePeriod bounds the wait for the bridge cleanup acknowledgment.
	GracePeriod time.Duration `yaml:"grace-period"`

	// SettleDelay bounds the wait for the engine loop to exit.
	SettleDelay time.Duration `yaml:"settle-delay"`

	// DrainGrace bounds the graceful worker drain.
	DrainGrace time.Duration `yaml:"drain-grace"`

	// DrainForce bounds the wait after cancelling the workers.
	DrainForce time.Duration `yaml:"drain-force"`

	// DialTimeout bounds the bridge connection to the remote.
	DialTimeout time.Duration `yaml:"dial-timeout"`
}

// DefaultTimeouts returns the default [Timeouts].
func DefaultTimeouts() Timeouts {
	return Timeouts{
		GracePeriod: 2 * time.Second,
		SettleDelay: 1 * time.Second,
		DrainGrace:  3 * time.Second,
		DrainForce:  1 * time.Second,
		DialTimeout: 10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.GracePeriod <= 0 {
		t.GracePeriod = def.GracePeriod
	}
	if t.SettleDelay <= 0 {
		t.SettleDelay = def.SettleDelay
	}
	if t.DrainGrace <= 0 {
		t.DrainGrace = def.DrainGrace
	}
	if t.DrainForce <= 0 {
		t.DrainForce = def.DrainForce
	}
	if t.DialTimeout <= 0 {
		t.DialTimeout = def.DialTimeout
	}
	return t
}

// DefaultOptions returns the default [Options].
func DefaultOptions() *Options {
	return &Options{
		RemoteURL: DefaultRemoteURL,
		DNSURL:    DefaultDNSURL,
		Timeouts:  DefaultTimeouts(),
	}
}

// ReadConfigFile parses the YAML file at path. Unknown fields are rejected.
func ReadConfigFile(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opts := DefaultOptions()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(opts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// validate checks the values that would only fail later, at start time.
func (o *Options) validate() error {
	t := o.Tunnel
	if t.Address != "" {
		if _, err := netip.ParsePrefix(t.Address); err != nil {
			return fmt.Errorf("%w: tunnel address: %s", ErrBadConfig, err)
		}
	}
	if t.Route != "" {
		if _, err := netip.ParsePrefix(t.Route); err != nil {
			return fmt.Errorf("%w: tunnel route: %s", ErrBadConfig, err)
		}
	}
	if t.DNS != "" {
		if _, err := netip.ParseAddr(t.DNS); err != nil {
			return fmt.Errorf("%w: tunnel dns: %s", ErrBadConfig, err)
		}
	}
	if t.MTU < 0 || t.MTU > 65535 {
		return fmt.Errorf("%w: tunnel mtu %d", ErrBadConfig, t.MTU)
	}
	return nil
}

// tunnelInfo merges the options over [model.DefaultTunnelInfo]. Values were
// checked by validate when read from a file; invalid ones are ignored here.
func (t TunnelOptions) tunnelInfo(remote string) model.TunnelInfo {
	ti := model.DefaultTunnelInfo()
	if p, err := netip.ParsePrefix(t.Address); err == nil {
		ti.Address = p
	}
	if p, err := netip.ParsePrefix(t.Route); err == nil {
		ti.Route = p
	}
	if a, err := netip.ParseAddr(t.DNS); err == nil {
		ti.DNS = a
	}
	if t.MTU > 0 {
		ti.MTU = t.MTU
	}
	ti.Excluded = append([]string{remote}, t.Exclude...)
	return ti
}

func (e EngineOptions) engineConfig(fd, mtu, port int) model.EngineConfig {
	cfg := model.NewEngineConfig(fd, mtu, port)
	if e.LogLevel != "" {
		cfg.LogLevel = e.LogLevel
	}
	cfg.Mark = e.Mark
	cfg.Interface = e.Interface
	cfg.RestAPI = e.RestAPI
	cfg.TCPSendBufferSize = e.TCPSendBufferSize
	cfg.TCPReceiveBufferSize = e.TCPReceiveBufferSize
	cfg.TCPModerateReceiveBuffer = e.TCPModerateBuffer
	return cfg
}

// NormalizeRemoteURL returns the wisp URL to connect to: the default when
// empty, wss:// when no websocket scheme is given, always with a trailing
// slash.
func NormalizeRemoteURL(remote string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return DefaultRemoteURL
	}
	if !strings.HasPrefix(remote, "ws://") && !strings.HasPrefix(remote, "wss://") {
		remote = "wss://" + remote
	}
	if !strings.HasSuffix(remote, "/") {
		remote += "/"
	}
	return remote
}

// NormalizeDNSURL returns the resolver URL: the default when empty, https://
// when the scheme is missing.
func NormalizeDNSURL(doh string) string {
	doh = strings.TrimSpace(doh)
	if doh == "" {
		return DefaultDNSURL
	}
	if !strings.HasPrefix(strings.ToLower(doh), "https://") {
		doh = "https://" + doh
	}
	return doh
}
