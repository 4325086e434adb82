// Package tunnel contains the public tunnel API: it assembles the session
// state machine, the bridge, the routing engine and the worker pool into a
// lifecycle [service.Driver].
package tunnel

import (
	"github.com/ooni/whisper/internal/bridge"
	"github.com/ooni/whisper/internal/engine"
	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/portalloc"
	"github.com/ooni/whisper/internal/service"
	"github.com/ooni/whisper/internal/session"
	"github.com/ooni/whisper/internal/workers"
	"github.com/ooni/whisper/pkg/config"
)

// We're creating type aliases to expose the internal driver types on the public API.
type (
	Driver = service.Driver
	Intent = service.Intent
	Host   = service.Host
)

// NewDriver returns a [Driver] whose sessions use interfaces to establish
// the virtual interface and notifier to present the tunnel state.
func NewDriver(cfg *config.Config, interfaces model.InterfaceAllocator, notifier model.Notifier, host Host) *Driver {
	logger := cfg.Logger()

	b := bridge.New(logger)
	b.DialTimeout = cfg.Timeouts().DialTimeout

	pool := workers.NewPool(logger, workers.DefaultPoolSize)
	manager := session.NewManager(cfg, session.Components{
		Ports:      portalloc.Loopback{},
		Bridge:     b,
		Engine:     engine.New(logger),
		Interfaces: interfaces,
		Notifier:   notifier,
		Pool:       pool,
	})
	return service.NewDriver(cfg, manager, pool, host)
}
