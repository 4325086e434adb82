package vpntest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ooni/whisper/internal/model"
)

// ErrNotConfigured is returned when running an engine without config.
var ErrNotConfigured = errors.New("vpntest: engine not configured")

// Engine is a fake [model.Engine] whose Run blocks until Stop is called or
// the context is done. Like the real engine it owns the configured device
// once Configure succeeds: Run releases it through the allocator on exit,
// and Stop releases it when Run never started.
type Engine struct {
	// ConfigureErr is returned by Configure when not nil.
	ConfigureErr error

	// StopErr is returned by Stop when not nil.
	StopErr error

	// RunErr is returned by Run on exit when not nil.
	RunErr error

	// IgnoreContext makes Run wait for Stop even if the context is done.
	IgnoreContext bool

	// ExitDelay delays the return of Run after it was asked to stop.
	ExitDelay time.Duration

	rec       *Recorder
	allocator *Allocator

	mu      sync.Mutex
	configs []model.EngineConfig
	stopCh  chan any
	stopped bool
	pending bool
	runs    int
}

var _ model.Engine = &Engine{}

// NewEngine creates an [Engine] recording into rec and releasing devices
// of allocator (which may be nil).
func NewEngine(rec *Recorder, allocator *Allocator) *Engine {
	return &Engine{rec: rec, allocator: allocator}
}

// Configure implements model.Engine.
func (e *Engine) Configure(cfg model.EngineConfig) error {
	e.rec.Record("engine.Configure")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ConfigureErr != nil {
		return e.ConfigureErr
	}
	if e.pending {
		e.releaseLocked()
	}
	e.configs = append(e.configs, cfg)
	e.stopCh = make(chan any)
	e.stopped = false
	e.pending = true
	return nil
}

// releaseLocked releases the device of the last config.
func (e *Engine) releaseLocked() {
	if e.allocator != nil && len(e.configs) > 0 {
		e.allocator.ReleaseRef(e.configs[len(e.configs)-1].Device)
	}
}

// Run implements model.Engine.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	stopCh, pending := e.stopCh, e.pending
	e.runs++
	e.pending = false
	e.mu.Unlock()
	if stopCh == nil {
		return ErrNotConfigured
	}
	if !pending {
		// stopped before running
		return nil
	}
	e.rec.Record("engine.Run")
	defer func() {
		e.mu.Lock()
		e.releaseLocked()
		e.mu.Unlock()
	}()
	var err error
	if e.IgnoreContext {
		<-stopCh
	} else {
		select {
		case <-stopCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	time.Sleep(e.ExitDelay)
	if e.RunErr != nil {
		return e.RunErr
	}
	return err
}

// Stop implements model.Engine.
func (e *Engine) Stop() error {
	e.rec.Record("engine.Stop")
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil && !e.stopped {
		e.stopped = true
		close(e.stopCh)
		if e.pending {
			e.pending = false
			e.releaseLocked()
		}
	}
	return e.StopErr
}

// Configs returns the configs passed to Configure.
func (e *Engine) Configs() []model.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.EngineConfig{}, e.configs...)
}

// Runs returns how many times Run was called.
func (e *Engine) Runs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}
