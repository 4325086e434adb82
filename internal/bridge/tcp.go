package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/txthinking/socks5"
	"golang.org/x/sync/errgroup"
)

// connectTimeout bounds opening a wisp stream.
const connectTimeout = 10 * time.Second

// TCPHandle implements socks5.Handler.
func (h *handler) TCPHandle(s *socks5.Server, c *net.TCPConn, r *socks5.Request) error {
	switch r.Cmd {
	case socks5.CmdConnect:
		return h.connect(c, r)
	case socks5.CmdUDP:
		// the association lives as long as c
		return (&socks5.DefaultHandle{}).TCPHandle(s, c, r)
	default:
		reply(c, r, socks5.RepCommandNotSupported)
		return socks5.ErrUnsupportCmd
	}
}

// reply writes a failure reply.
func reply(c net.Conn, r *socks5.Request, rep byte) error {
	var p *socks5.Reply
	if r.Atyp == socks5.ATYPIPv6 {
		p = socks5.NewReply(rep, socks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	} else {
		p = socks5.NewReply(rep, socks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
	}
	_, err := p.WriteTo(c)
	return err
}

// connect opens a wisp stream towards the requested address and pipes it.
func (h *handler) connect(c *net.TCPConn, r *socks5.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	stream, err := h.mux.DialContext(ctx, "tcp", r.Address())
	if err != nil {
		h.logger.Warnf("bridge: connect %s: %s", r.Address(), err.Error())
		reply(c, r, socks5.RepNetworkUnreachable)
		return err
	}
	defer stream.Close()

	a, addr, port, err := socks5.ParseAddress(c.LocalAddr().String())
	if err != nil {
		reply(c, r, socks5.RepHostUnreachable)
		return err
	}
	if _, err := socks5.NewReply(socks5.RepSuccess, a, addr, port).WriteTo(c); err != nil {
		return err
	}

	// the negotiation deadline must not apply to the data phase
	c.SetDeadline(time.Time{})

	h.logger.Debugf("bridge: connect %s", r.Address())
	return pipe(c, stream)
}

// pipe copies between the client and the stream until either side is done.
func pipe(client *net.TCPConn, stream net.Conn) error {
	g := &errgroup.Group{}
	g.Go(func() error {
		_, err := io.Copy(stream, client)
		stream.Close()
		return ignoreClosed(err)
	})
	g.Go(func() error {
		_, err := io.Copy(client, stream)
		client.CloseWrite()
		client.CloseRead()
		return ignoreClosed(err)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
