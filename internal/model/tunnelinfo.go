package model

import (
	"fmt"
	"net/netip"
)

// TunnelInfo holds the addressing of the virtual interface. It is handed to
// the [InterfaceAllocator] when establishing the device.
type TunnelInfo struct {
	// Address is the address and prefix assigned to the interface.
	Address netip.Prefix

	// Route is the route captured by the interface (the default route
	// sends every packet into the tunnel).
	Route netip.Prefix

	// DNS is the resolver address advertised to the host. The bridge
	// intercepts UDP datagrams sent to this address.
	DNS netip.Addr

	// MTU is the interface MTU.
	MTU int

	// Blocking selects blocking mode for the device descriptor.
	Blocking bool

	// Excluded lists the hosts whose traffic must bypass the tunnel, so that
	// the bridge's own connection does not loop back into it.
	Excluded []string
}

// DefaultTunnelInfo returns the fixed interface configuration: 10.0.0.2/24,
// default route, resolver 10.0.0.144, MTU 1500, non-blocking.
func DefaultTunnelInfo() TunnelInfo {
	return TunnelInfo{
		Address:  netip.MustParsePrefix("10.0.0.2/24"),
		Route:    netip.MustParsePrefix("0.0.0.0/0"),
		DNS:      netip.MustParseAddr("10.0.0.144"),
		MTU:      1500,
		Blocking: false,
		Excluded: []string{},
	}
}

// String implements fmt.Stringer.
func (ti TunnelInfo) String() string {
	return fmt.Sprintf("addr=%s route=%s dns=%s mtu=%d", ti.Address, ti.Route, ti.DNS, ti.MTU)
}
