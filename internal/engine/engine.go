// Package engine runs the tun2socks packet-routing stack as a [model.Engine].
//
// The stack is assembled from the error-returning tun2socks building blocks:
// an fd-based link device, a gVisor netstack and the SOCKS5 proxy dialer.
// The proxy dialer and the dialer options are process-wide: only one
// [Tun2socks] may run at any time.
//
// Once Configure succeeds the engine owns the descriptor named in the
// configuration: it closes it when Run returns, when Stop is called before
// Run started, or when a later Configure supersedes it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	units "github.com/docker/go-units"
	"github.com/xjasonlyu/tun2socks/v2/core"
	"github.com/xjasonlyu/tun2socks/v2/core/device/fdbased"
	"github.com/xjasonlyu/tun2socks/v2/core/option"
	"github.com/xjasonlyu/tun2socks/v2/dialer"
	"github.com/xjasonlyu/tun2socks/v2/engine/mirror"
	t2log "github.com/xjasonlyu/tun2socks/v2/log"
	"github.com/xjasonlyu/tun2socks/v2/proxy"

	"github.com/ooni/whisper/internal/model"
)

var (
	// ErrNotConfigured is returned by Run before Configure.
	ErrNotConfigured = errors.New("engine: not configured")

	// ErrRunning is returned when reconfiguring or rerunning a running engine.
	ErrRunning = errors.New("engine: already running")

	// ErrInvalidConfig indicates a configuration the engine cannot use.
	ErrInvalidConfig = errors.New("engine: invalid config")

	// ErrStart indicates that the routing stack could not be started.
	ErrStart = errors.New("engine: start failed")

	// ErrStop indicates that the routing stack did not stop cleanly.
	ErrStop = errors.New("engine: stop failed")
)

// settings is a validated [model.EngineConfig].
type settings struct {
	fd       int
	mtu      uint32
	level    t2log.Level
	socks    proxyAddr
	iface    string
	mark     int
	restAPI  string
	options  []option.Option
	original model.EngineConfig
}

// Tun2socks runs the tun2socks stack. The zero value is invalid; use [New].
type Tun2socks struct {
	logger model.Logger

	// closeFd closes a descriptor the engine owns but never started on.
	closeFd func(fd int) error

	// mu protects the fields below.
	mu       sync.Mutex
	pending  *settings
	running  bool
	stop     chan any
	stopOnce *sync.Once
}

var _ model.Engine = &Tun2socks{}

// New creates a [Tun2socks].
func New(logger model.Logger) *Tun2socks {
	return &Tun2socks{
		logger:  logger,
		closeFd: closeDescriptor,
	}
}

// parseConfig validates cfg.
func parseConfig(cfg model.EngineConfig) (*settings, error) {
	fd, err := parseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	level, err := t2log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	socks, err := parseProxy(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	s := &settings{
		fd:       fd,
		mtu:      uint32(cfg.MTU),
		level:    level,
		socks:    socks,
		iface:    cfg.Interface,
		mark:     cfg.Mark,
		restAPI:  cfg.RestAPI,
		original: cfg,
	}
	if cfg.TCPModerateReceiveBuffer {
		s.options = append(s.options, option.WithTCPModerateReceiveBuffer(true))
	}
	if cfg.TCPSendBufferSize != "" {
		size, err := units.RAMInBytes(cfg.TCPSendBufferSize)
		if err != nil {
			return nil, fmt.Errorf("%w: send buffer: %s", ErrInvalidConfig, err)
		}
		s.options = append(s.options, option.WithTCPSendBufferSize(int(size)))
	}
	if cfg.TCPReceiveBufferSize != "" {
		size, err := units.RAMInBytes(cfg.TCPReceiveBufferSize)
		if err != nil {
			return nil, fmt.Errorf("%w: receive buffer: %s", ErrInvalidConfig, err)
		}
		s.options = append(s.options, option.WithTCPReceiveBufferSize(int(size)))
	}
	return s, nil
}

// Configure validates cfg and stores it for the next Run. On success the
// engine owns the descriptor named by cfg.Device; on failure it does not.
func (t *Tun2socks) Configure(cfg model.EngineConfig) error {
	s, err := parseConfig(cfg)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()
	t.mu.Lock()
	if t.running {
		return ErrRunning
	}
	if t.pending != nil && t.pending.fd != s.fd {
		t.release(t.pending)
	}
	t.pending = s
	t.stop = make(chan any)
	t.stopOnce = &sync.Once{}
	t.logger.Debugf("engine: configured device=%s proxy=%s mtu=%d", cfg.Device, cfg.Proxy, cfg.MTU)
	return nil
}

// release closes the descriptor of a configuration that never ran.
func (t *Tun2socks) release(s *settings) {
	if err := t.closeFd(s.fd); err != nil {
		t.logger.Warnf("engine: close fd %d: %s", s.fd, err.Error())
		return
	}
	t.logger.Debugf("engine: released unused fd %d", s.fd)
}

// Run starts the routing stack and blocks until Stop is called or ctx is
// done. A start failure is returned after the descriptor is closed; a
// failure closing the device is returned wrapping [ErrStop].
func (t *Tun2socks) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrRunning
	}
	if t.stop != nil {
		select {
		case <-t.stop:
			// stopped before running: Stop released the descriptor
			t.mu.Unlock()
			return nil
		default:
		}
	}
	s, stop := t.pending, t.stop
	if s == nil {
		t.mu.Unlock()
		return ErrNotConfigured
	}
	t.pending = nil
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	rt, err := t.start(s)
	if err != nil {
		t.logger.Warnf("engine: %s", err.Error())
		return err
	}
	t.logger.Infof("engine: started %s <-> socks5://%s", s.original.Device, s.socks.address)

	select {
	case <-stop:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if serr := rt.close(); serr != nil {
		t.logger.Warnf("engine: %s", serr.Error())
		err = errors.Join(err, serr)
	}
	t.logger.Info("engine: stopped")
	return err
}

// start assembles the routing stack for s. On failure the descriptor is
// closed.
func (t *Tun2socks) start(s *settings) (*runtime, error) {
	t2log.SetLevel(s.level)

	if err := setDialerOptions(s.iface, s.mark); err != nil {
		t.release(s)
		return nil, fmt.Errorf("%w: %s", ErrStart, err)
	}

	socks, err := proxy.NewSocks5(s.socks.address, s.socks.username, s.socks.password)
	if err != nil {
		t.release(s)
		return nil, fmt.Errorf("%w: proxy: %s", ErrStart, err)
	}
	proxy.SetDialer(socks)

	dev, err := fdbased.Open(fmt.Sprint(s.fd), s.mtu)
	if err != nil {
		t.release(s)
		return nil, fmt.Errorf("%w: device: %s", ErrStart, err)
	}

	netstack, err := core.CreateStack(&core.Config{
		LinkEndpoint:     dev,
		TransportHandler: &mirror.Tunnel{},
		Options:          s.options,
	})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: stack: %s", ErrStart, err)
	}

	rt := &runtime{device: dev, stack: netstack}
	if s.restAPI != "" {
		serveRestAPI(t.logger, s.restAPI, rt)
	}
	return rt, nil
}

// setDialerOptions configures how the proxy dialer binds its sockets.
func setDialerOptions(iface string, mark int) error {
	dialer.DefaultInterfaceName.Store("")
	dialer.DefaultInterfaceIndex.Store(0)
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return err
		}
		dialer.DefaultInterfaceName.Store(ifi.Name)
		dialer.DefaultInterfaceIndex.Store(int32(ifi.Index))
	}
	dialer.DefaultRoutingMark.Store(int32(mark))
	return nil
}

// Stop requests Run to return. When Run has not started yet the configured
// descriptor is closed right away. It is safe to call more than once.
func (t *Tun2socks) Stop() error {
	defer t.mu.Unlock()
	t.mu.Lock()
	if t.stop == nil {
		return ErrNotConfigured
	}
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	if !t.running && t.pending != nil {
		t.release(t.pending)
		t.pending = nil
	}
	return nil
}
