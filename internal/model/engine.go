package model

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// EngineConfig is the immutable snapshot handed to the routing [Engine] for one
// session. It is constructed once per start and never mutated after handoff;
// pass it by value.
type EngineConfig struct {
	// Device is the device reference, e.g. "fd://42".
	Device string

	// Interface optionally binds outgoing sockets to a named interface.
	Interface string

	// MTU is the device MTU.
	MTU int

	// Proxy is the proxy endpoint URI, e.g. "socks5://127.0.0.1:1080".
	Proxy string

	// LogLevel is the engine log level.
	LogLevel string

	// Mark is the routing mark set on outgoing sockets; zero means none.
	Mark int

	// RestAPI is the engine REST API address; empty disables it.
	RestAPI string

	// TCPSendBufferSize is the TCP send buffer size hint; empty means default.
	TCPSendBufferSize string

	// TCPReceiveBufferSize is the TCP receive buffer size hint; empty means default.
	TCPReceiveBufferSize string

	// TCPModerateReceiveBuffer enables receive buffer auto-tuning.
	TCPModerateReceiveBuffer bool
}

// DeviceRef returns the file-descriptor-style reference of a descriptor.
func DeviceRef(fd int) string {
	return fmt.Sprintf("fd://%d", fd)
}

// SOCKSProxyURI returns the URI of the local SOCKS endpoint listening on port.
func SOCKSProxyURI(port int) string {
	return "socks5://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// NewEngineConfig returns the default [EngineConfig] for a session whose device
// is fd and whose bridge listens on port: debug logging, no mark, no explicit
// buffer sizes, moderate receive buffer off.
func NewEngineConfig(fd int, mtu int, port int) EngineConfig {
	return EngineConfig{
		Device:                   DeviceRef(fd),
		Interface:                "",
		MTU:                      mtu,
		Proxy:                    SOCKSProxyURI(port),
		LogLevel:                 "debug",
		Mark:                     0,
		RestAPI:                  "",
		TCPSendBufferSize:        "",
		TCPReceiveBufferSize:     "",
		TCPModerateReceiveBuffer: false,
	}
}

// Engine is the packet-routing engine moving packets between the virtual
// interface and the bridge.
type Engine interface {
	// Configure stores the config for the next Run. On success the engine
	// is responsible for closing the descriptor named by cfg.Device.
	Configure(cfg EngineConfig) error

	// Run runs the blocking engine loop until Stop is called or ctx is done.
	// It returns start and stop failures instead of exiting.
	Run(ctx context.Context) error

	// Stop requests the loop to exit. When Run has not started yet, the
	// configured descriptor is closed and a later Run returns at once.
	Stop() error
}
