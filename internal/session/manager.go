package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/optional"
	"github.com/ooni/whisper/internal/portalloc"
	"github.com/ooni/whisper/internal/tun"
	"github.com/ooni/whisper/internal/workers"
	"github.com/ooni/whisper/pkg/config"
)

// Components groups the collaborators of a [Manager].
type Components struct {
	// Ports allocates the bridge port.
	Ports portalloc.Allocator

	// Bridge is the local proxy bridge.
	Bridge model.Bridge

	// Engine is the packet-routing engine.
	Engine model.Engine

	// Interfaces allocates the virtual interface.
	Interfaces model.InterfaceAllocator

	// Notifier presents the foreground indication.
	Notifier model.Notifier

	// Pool runs the engine loop. It outlives the sessions.
	Pool *workers.Pool
}

// Manager manages the session. The zero value is invalid. Please, construct
// using [NewManager]. This struct is concurrency safe.
type Manager struct {
	config *config.Config
	logger model.Logger

	ports      portalloc.Allocator
	bridge     model.Bridge
	engine     model.Engine
	interfaces model.InterfaceAllocator
	notifier   model.Notifier
	pool       *workers.Pool

	// mu protects the fields below.
	mu         sync.Mutex
	state      model.SessionState
	device     optional.Value[*tun.Handle]
	bridgePort int
	engineTask *workers.Task
	sessionID  string
}

// NewManager returns an idle [Manager].
func NewManager(cfg *config.Config, c Components) *Manager {
	return &Manager{
		config:     cfg,
		logger:     cfg.Logger(),
		ports:      c.Ports,
		bridge:     c.Bridge,
		engine:     c.Engine,
		interfaces: c.Interfaces,
		notifier:   c.Notifier,
		pool:       c.Pool,
		mu:         sync.Mutex{},
		state:      model.StateIdle,
		device:     optional.None[*tun.Handle](),
	}
}

// State returns the session state.
func (m *Manager) State() model.SessionState {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.state
}

// BridgePort returns the bridge port, or zero when no device is held.
func (m *Manager) BridgePort() int {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.bridgePort
}

// SessionID returns the ID of the current session, or the empty string.
func (m *Manager) SessionID() string {
	defer m.mu.Unlock()
	m.mu.Lock()
	return m.sessionID
}

// sessionLogger returns a logger tagged with the session ID when the
// configured logger supports fields.
func (m *Manager) sessionLogger(id string) model.Logger {
	if l, ok := m.logger.(log.Interface); ok {
		return l.WithField("session", id)
	}
	return m.logger
}

// StartVPN starts a session connecting to remoteURL and resolving names
// with dnsURL. Empty values select the configured ones. It is a no-op when
// a session is already up and fails with [ErrStopping] while a teardown is
// in progress. On failure the session stays Idle and every acquired
// resource is released.
func (m *Manager) StartVPN(ctx context.Context, remoteURL, dnsURL string) error {
	defer m.mu.Unlock()
	m.mu.Lock()

	switch m.state {
	case model.StateStarting, model.StateRunning:
		m.logger.Debugf("session: start: already %s", m.state)
		return nil
	case model.StateStopping:
		return ErrStopping
	}
	if !m.device.IsNone() {
		return nil
	}

	m.state = model.StateStarting
	started := false
	defer func() {
		if !started {
			m.state = model.StateIdle
		}
	}()

	remote := m.config.RemoteURL()
	if remoteURL != "" {
		remote = config.NormalizeRemoteURL(remoteURL)
	}
	doh := m.config.DNSURL()
	if dnsURL != "" {
		doh = config.NormalizeDNSURL(dnsURL)
	}
	id := uuid.NewString()
	logger := m.sessionLogger(id)

	// 1. bridge port
	port, err := m.ports.Allocate()
	if err != nil {
		logger.Warnf("session: start: %s", err.Error())
		return fmt.Errorf("session: %w", err)
	}

	// 2. bridge
	info := m.config.TunnelInfoFor(remote)
	bridgeConfig := model.BridgeConfig{
		RemoteURL: remote,
		Port:      port,
		DNSURL:    doh,
		DNSAddr:   info.DNS,
	}
	if err := m.bridge.Start(bridgeConfig); err != nil {
		logger.Warnf("session: start: bridge: %s", err.Error())
		return fmt.Errorf("%w: %s", ErrBridgeStart, err)
	}

	// 3-4. virtual interface
	dev, err := m.interfaces.Establish(ctx, info)
	if err != nil || dev == nil {
		if err == nil {
			err = errors.New("declined by the OS")
		}
		logger.Warnf("session: start: interface: %s", err.Error())
		m.stopBridge(ctx, logger)
		return fmt.Errorf("%w: %s", ErrInterfaceEstablish, err)
	}
	handle := tun.NewHandle(logger, dev)

	// 5-6. engine
	engineConfig := m.config.EngineConfig(dev.Fd(), port)
	engineConfig.Device = handle.Ref()
	if err := m.engine.Configure(engineConfig); err != nil {
		logger.Warnf("session: start: engine: %s", err.Error())
		m.abort(ctx, logger, handle, false)
		return fmt.Errorf("%w: %s", ErrEngineStart, err)
	}
	task, err := m.pool.Submit("engine", m.engine.Run)
	if err != nil {
		logger.Warnf("session: start: engine: %s", err.Error())
		m.abort(ctx, logger, handle, true)
		return fmt.Errorf("%w: %s", ErrEngineStart, err)
	}

	m.state = model.StateRunning
	m.device = optional.Some(handle)
	m.bridgePort = port
	m.engineTask = task
	m.sessionID = id
	started = true
	logger.Infof("session: running: %s via %s (%s)", handle.Name(), remote, info)

	// 7. presentation
	notification := &model.Notification{
		Flags: model.NotificationConnected,
		Title: "whisper",
		Text:  fmt.Sprintf("Connected to %s", remote),
	}
	if err := m.notifier.Show(notification); err != nil {
		logger.Warnf("session: notify: %s", err.Error())
	}
	return nil
}

// abort releases what a failed start acquired after the interface. Once
// the engine is configured it owns the descriptor, so the handle only
// hands it off and the engine is stopped to release it.
func (m *Manager) abort(ctx context.Context, logger model.Logger, handle *tun.Handle, configured bool) {
	if configured {
		if _, err := handle.Detach(); err != nil {
			logger.Warnf("session: abort: %s", err.Error())
		}
		if err := m.engine.Stop(); err != nil {
			logger.Warnf("session: abort: engine stop: %s", err.Error())
		}
	}
	m.stopBridge(ctx, logger)
	if configured {
		if err := handle.Teardown(ctx); err != nil {
			logger.Warnf("session: abort: %s", err.Error())
		}
		return
	}
	if err := handle.Close(); err != nil {
		logger.Warnf("session: abort: %s", err.Error())
	}
}

// stopBridge stops the bridge and waits for its cleanup acknowledgment
// for up to the grace period.
func (m *Manager) stopBridge(ctx context.Context, logger model.Logger) error {
	ack, err := m.bridge.Stop()
	if err != nil {
		logger.Warnf("session: bridge stop: %s", err.Error())
		err = fmt.Errorf("%w: %s", ErrBridgeStop, err)
	}
	if ack != nil && !await(ctx, ack, m.config.Timeouts().GracePeriod) {
		logger.Warn("session: bridge cleanup not acknowledged")
	}
	return err
}

// StopVPN tears the session down and drains the worker pool without
// retiring it. It is a no-op when Idle and returns promptly when another
// teardown is in progress. The session stays Stopping until the drain is
// over, so a concurrent StartVPN fails with [ErrStopping] instead of
// submitting an engine loop the drain would cancel. The session always
// ends Idle; the returned error collects the teardown steps that failed.
func (m *Manager) StopVPN(ctx context.Context) error {
	m.notifier.Hide()

	task, logger, busy, err := m.cleanupTun(ctx)
	if busy || logger == nil {
		return nil
	}
	defer func() {
		m.mu.Lock()
		m.state = model.StateIdle
		m.bridgePort = 0
		m.sessionID = ""
		m.mu.Unlock()
		logger.Info("session: stopped")
	}()

	timeouts := m.config.Timeouts()
	if task != nil {
		if !await(ctx, task.Done(), timeouts.SettleDelay) {
			logger.Debug("session: engine loop still running")
		} else if terr := task.Err(); terr != nil && !errors.Is(terr, context.Canceled) {
			logger.Warnf("session: engine: %s", terr.Error())
			err = errors.Join(err, fmt.Errorf("%w: %s", ErrEngineStop, terr))
		}
	}
	if derr := m.pool.Drain(ctx, timeouts.DrainGrace, timeouts.DrainForce); derr != nil {
		logger.Warnf("session: %s", derr.Error())
	}
	return err
}

// cleanupTun tears down the engine, the bridge and finally the device
// state. It leaves the session Stopping and returns the engine task to
// wait for with the session logger; a nil logger means there was nothing
// to tear down. busy reports another teardown in progress.
func (m *Manager) cleanupTun(ctx context.Context) (task *workers.Task, logger model.Logger, busy bool, err error) {
	m.mu.Lock()
	switch {
	case m.state == model.StateStopping:
		m.mu.Unlock()
		return nil, nil, true, nil
	case m.state != model.StateRunning || m.device.IsNone():
		m.mu.Unlock()
		return nil, nil, false, nil
	}
	m.state = model.StateStopping
	handle := m.device.Take()
	task = m.engineTask
	m.engineTask = nil
	logger = m.sessionLogger(m.sessionID)
	m.mu.Unlock()

	logger.Infof("session: stopping %s", handle.Name())
	var errs []error
	// the engine owns the descriptor from here on
	if _, err := handle.Detach(); err != nil {
		errs = append(errs, err)
	}
	if err := m.engine.Stop(); err != nil {
		logger.Warnf("session: engine stop: %s", err.Error())
		errs = append(errs, fmt.Errorf("%w: %s", ErrEngineStop, err))
	}
	if err := m.stopBridge(ctx, logger); err != nil {
		errs = append(errs, err)
	}
	// the bypass routes carry the bridge traffic until the bridge is gone
	if err := handle.Teardown(ctx); err != nil {
		logger.Warnf("session: %s", err.Error())
		errs = append(errs, err)
	}
	return task, logger, false, errors.Join(errs...)
}

// await waits for ch, for timeout or for ctx. It returns whether ch fired.
func await[T any](ctx context.Context, ch <-chan T, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
