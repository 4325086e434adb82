// Package bridge implements the local proxy bridge: a SOCKS5 server on the
// loopback interface forwarding TCP connections over a wisp connection and
// answering DNS datagrams using DNS-over-HTTPS.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/txthinking/socks5"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/wisp"
)

var (
	// ErrAlreadyRunning is returned by Start when the bridge is running.
	ErrAlreadyRunning = errors.New("bridge: already running")

	// ErrNotRunning is returned by Stop when the bridge is not running.
	ErrNotRunning = errors.New("bridge: not running")

	// ErrNotListening indicates the SOCKS server did not start listening.
	ErrNotListening = errors.New("bridge: not listening")
)

const (
	// tcpTimeout bounds the SOCKS negotiation, in seconds.
	tcpTimeout = 60

	// udpTimeout bounds idle UDP associations, in seconds.
	udpTimeout = 60

	// listenTimeout bounds the wait for the SOCKS listener.
	listenTimeout = 2 * time.Second
)

// Bridge is the local proxy bridge. It implements [model.Bridge]. The zero
// value is invalid; use [New].
type Bridge struct {
	// DialTimeout bounds the connection to the wisp server and each
	// DNS-over-HTTPS exchange.
	DialTimeout time.Duration

	// Dialer, when set, dials the websocket connection.
	Dialer model.Dialer

	logger model.Logger

	mu  sync.Mutex
	run *run
}

var _ model.Bridge = &Bridge{}

// run is the state of a started bridge.
type run struct {
	cfg    model.BridgeConfig
	mux    *wisp.Mux
	server *socks5.Server
	served chan error
	done   chan struct{}
}

// New creates a stopped [Bridge].
func New(logger model.Logger) *Bridge {
	return &Bridge{
		DialTimeout: 10 * time.Second,
		logger:      logger,
	}
}

// Start connects to the wisp server and starts serving SOCKS5 on
// 127.0.0.1:cfg.Port.
func (b *Bridge) Start(cfg model.BridgeConfig) error {
	defer b.mu.Unlock()
	b.mu.Lock()

	if b.run != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.DialTimeout)
	defer cancel()
	mux, err := wisp.Dial(ctx, cfg.RemoteURL, b.Dialer, b.logger)
	if err != nil {
		return fmt.Errorf("bridge: cannot connect to %s: %w", cfg.RemoteURL, err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port))
	server, err := socks5.NewClassicServer(addr, "127.0.0.1", "", "", tcpTimeout, udpTimeout)
	if err != nil {
		mux.Close()
		return fmt.Errorf("bridge: %w", err)
	}

	dns := cfg.DNSAddr
	if !dns.IsValid() {
		dns = model.DefaultTunnelInfo().DNS
	}
	h := &handler{
		logger: b.logger,
		mux:    mux,
		dns:    dns,
		doh:    newDOHClient(cfg.DNSURL, mux, b.DialTimeout),
	}

	served := make(chan error, 1)
	go func() {
		served <- server.ListenAndServe(h)
	}()
	if err := waitListening(addr, served); err != nil {
		server.Shutdown()
		mux.Close()
		return fmt.Errorf("bridge: cannot listen on %s: %w", addr, err)
	}

	b.run = &run{
		cfg:    cfg,
		mux:    mux,
		server: server,
		served: served,
		done:   make(chan struct{}),
	}
	go b.watch(b.run)
	b.logger.Infof("bridge: listening on %s, forwarding to %s", addr, cfg.RemoteURL)
	return nil
}

// waitListening polls addr until it accepts connections or the server
// exits.
func waitListening(addr string, served <-chan error) error {
	deadline := time.Now().Add(listenTimeout)
	for {
		select {
		case err := <-served:
			if err == nil {
				err = ErrNotListening
			}
			return err
		default:
		}
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotListening
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// watch logs a lost wisp connection.
func (b *Bridge) watch(r *run) {
	select {
	case <-r.mux.Done():
		select {
		case <-r.done:
		default:
			b.logger.Warnf("bridge: lost connection to %s", r.cfg.RemoteURL)
		}
	case <-r.done:
	}
}

// Stop stops the SOCKS server and closes the wisp connection. The returned
// channel is closed once both are gone.
func (b *Bridge) Stop() (<-chan struct{}, error) {
	defer b.mu.Unlock()
	b.mu.Lock()

	r := b.run
	if r == nil {
		return nil, ErrNotRunning
	}
	b.run = nil

	shutdownErr := r.server.Shutdown()
	go func() {
		if err := <-r.served; err != nil {
			b.logger.Debugf("bridge: server: %s", err.Error())
		}
		r.mux.Close()
		b.logger.Info("bridge: stopped")
		close(r.done)
	}()
	return r.done, shutdownErr
}

// Running returns whether the bridge is running.
func (b *Bridge) Running() bool {
	defer b.mu.Unlock()
	b.mu.Lock()
	return b.run != nil
}

// handler implements [socks5.Handler].
type handler struct {
	logger model.Logger
	mux    *wisp.Mux
	dns    netip.Addr
	doh    *dohClient
}

var _ socks5.Handler = &handler{}
