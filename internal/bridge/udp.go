package bridge

import (
	"context"
	"net"
	"net/netip"

	"github.com/txthinking/socks5"
)

// UDPHandle implements socks5.Handler. Only DNS datagrams addressed to the
// virtual resolver are answered; everything else is dropped.
func (h *handler) UDPHandle(s *socks5.Server, addr *net.UDPAddr, d *socks5.Datagram) error {
	if !h.acceptDatagram(d) {
		return nil
	}
	go h.resolve(s, addr, d)
	return nil
}

// acceptDatagram returns whether d should be resolved. IPv4 destinations
// other than the virtual resolver and IPv6 destinations are dropped.
func (h *handler) acceptDatagram(d *socks5.Datagram) bool {
	if len(d.Data) == 0 || d.Frag != 0x00 {
		return false
	}
	switch d.Atyp {
	case socks5.ATYPIPv4:
		dst, ok := netip.AddrFromSlice(d.DstAddr)
		return ok && dst == h.dns
	case socks5.ATYPDomain:
		return true
	default:
		return false
	}
}

// resolve answers d over DNS-over-HTTPS and sends the reply back to addr
// with the same address header.
func (h *handler) resolve(s *socks5.Server, addr *net.UDPAddr, d *socks5.Datagram) {
	resp, err := h.doh.exchange(context.Background(), d.Data)
	if err != nil {
		h.logger.Debugf("bridge: dns: %s", err.Error())
		return
	}
	a, dstAddr, dstPort, err := socks5.ParseAddress(d.Address())
	if err != nil {
		h.logger.Debugf("bridge: dns: %s", err.Error())
		return
	}
	reply := socks5.NewDatagram(a, dstAddr, dstPort, resp)
	if _, err := s.UDPConn.WriteToUDP(reply.Bytes(), addr); err != nil {
		h.logger.Debugf("bridge: dns: write to %s: %s", addr, err.Error())
	}
}
