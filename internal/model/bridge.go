package model

import "net/netip"

// BridgeConfig configures one run of the proxy [Bridge].
type BridgeConfig struct {
	// RemoteURL is the remote endpoint URL, e.g. "wss://example.com/wisp/".
	RemoteURL string

	// Port is the local listen port on the loopback interface.
	Port int

	// DNSURL is the DNS-over-HTTPS resolver URL.
	DNSURL string

	// DNSAddr is the virtual resolver address. The zero value means
	// the address of [DefaultTunnelInfo].
	DNSAddr netip.Addr
}

// Bridge is the local proxy terminating the encrypted outbound connection
// and exposing a local SOCKS endpoint.
type Bridge interface {
	// Start binds the local listener and connects to the remote.
	Start(cfg BridgeConfig) error

	// Stop requests shutdown. The returned channel is closed once the
	// bridge has finished its asynchronous cleanup.
	Stop() (<-chan struct{}, error)
}
