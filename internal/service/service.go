// Package service maps the external lifecycle triggers of the hosting
// process onto the session state machine.
package service

import (
	"context"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/workers"
	"github.com/ooni/whisper/pkg/config"
)

// Action is the action requested by an [Intent].
type Action int

const (
	// ActionConnect starts the tunnel.
	ActionConnect = Action(iota)

	// ActionDisconnect stops the tunnel and the hosting service.
	ActionDisconnect
)

// String maps an [Action] to a string.
func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "CONNECT"
	case ActionDisconnect:
		return "DISCONNECT"
	default:
		return "INVALID"
	}
}

// Intent is a start request delivered to the [Driver].
type Intent struct {
	// Action is the requested action.
	Action Action

	// RemoteURL optionally overrides the configured remote.
	RemoteURL string

	// DNSURL optionally overrides the configured resolver.
	DNSURL string
}

// Disposition tells the host what to do if the process is killed.
type Disposition int

const (
	// StartNotSticky asks the host not to restart the service.
	StartNotSticky = Disposition(iota)

	// StartSticky asks the host to keep the service running and restart it
	// if killed.
	StartSticky
)

// String maps a [Disposition] to a string.
func (d Disposition) String() string {
	switch d {
	case StartNotSticky:
		return "NOT_STICKY"
	case StartSticky:
		return "STICKY"
	default:
		return "INVALID"
	}
}

// Host is the hosting process context.
type Host interface {
	// StopSelf terminates the hosting service.
	StopSelf()
}

// Session is the state machine driven by the [Driver].
type Session interface {
	StartVPN(ctx context.Context, remoteURL, dnsURL string) error
	StopVPN(ctx context.Context) error
}

// Driver dispatches lifecycle triggers. The zero value is invalid; use
// [NewDriver].
type Driver struct {
	session  Session
	pool     *workers.Pool
	host     Host
	logger   model.Logger
	timeouts config.Timeouts
}

// NewDriver creates a [Driver]. The driver owns pool and retires it in
// OnDestroy.
func NewDriver(cfg *config.Config, session Session, pool *workers.Pool, host Host) *Driver {
	return &Driver{
		session:  session,
		pool:     pool,
		host:     host,
		logger:   cfg.Logger(),
		timeouts: cfg.Timeouts(),
	}
}

// OnStartCommand handles a start request. A nil intent connects with the
// configured endpoints. A failed start stops the hosting service.
func (d *Driver) OnStartCommand(ctx context.Context, intent *Intent) Disposition {
	if intent == nil {
		intent = &Intent{Action: ActionConnect}
	}
	d.logger.Debugf("service: start command: %s", intent.Action)

	switch intent.Action {
	case ActionConnect:
		if err := d.session.StartVPN(ctx, intent.RemoteURL, intent.DNSURL); err != nil {
			d.logger.Warnf("service: cannot start: %s", err.Error())
			d.host.StopSelf()
			return StartNotSticky
		}
		return StartSticky

	case ActionDisconnect:
		d.stop(ctx)
		d.host.StopSelf()
		return StartNotSticky

	default:
		d.logger.Warnf("service: unknown action %d", int(intent.Action))
		return StartNotSticky
	}
}

// OnRevoke handles the OS revoking the tunnel permission.
func (d *Driver) OnRevoke(ctx context.Context) {
	d.logger.Info("service: revoked")
	d.stop(ctx)
}

// OnDestroy handles the hosting process teardown. The pool is retired.
func (d *Driver) OnDestroy(ctx context.Context) {
	d.logger.Debug("service: destroy")
	d.stop(ctx)
	if err := d.pool.Shutdown(ctx, d.timeouts.DrainGrace, d.timeouts.DrainForce); err != nil {
		d.logger.Warnf("service: %s", err.Error())
	}
}

func (d *Driver) stop(ctx context.Context) {
	if err := d.session.StopVPN(ctx); err != nil {
		d.logger.Warnf("service: teardown: %s", err.Error())
	}
}
