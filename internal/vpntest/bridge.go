package vpntest

import (
	"sync"

	"github.com/ooni/whisper/internal/model"
)

// Bridge is a fake [model.Bridge].
type Bridge struct {
	// StartErr is returned by Start when not nil.
	StartErr error

	// StopErr is returned by Stop when not nil.
	StopErr error

	// NoAck makes Stop return a channel that is never closed.
	NoAck bool

	rec *Recorder

	mu      sync.Mutex
	starts  []model.BridgeConfig
	running bool
}

var _ model.Bridge = &Bridge{}

// NewBridge creates a [Bridge] recording into rec.
func NewBridge(rec *Recorder) *Bridge {
	return &Bridge{rec: rec}
}

// Start implements model.Bridge.
func (b *Bridge) Start(cfg model.BridgeConfig) error {
	b.rec.Record("bridge.Start")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, cfg)
	if b.StartErr != nil {
		return b.StartErr
	}
	b.running = true
	return nil
}

// Stop implements model.Bridge.
func (b *Bridge) Stop() (<-chan struct{}, error) {
	b.rec.Record("bridge.Stop")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running = false
	done := make(chan struct{})
	if !b.NoAck {
		close(done)
	}
	return done, b.StopErr
}

// Starts returns the configs passed to Start.
func (b *Bridge) Starts() []model.BridgeConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.BridgeConfig{}, b.starts...)
}

// Running returns whether the bridge was started and not stopped.
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}
