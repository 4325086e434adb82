// Package session implements the tunnel session state machine.
//
// A [Manager] owns the single session of the hosting process. StartVPN moves
// it from Idle to Running, acquiring a bridge port, the bridge and the
// virtual interface, and dispatching the engine loop on the worker pool.
// StopVPN moves it back to Idle. Both are serialized by the same mutex.
package session

import (
	"errors"

	"github.com/ooni/whisper/internal/portalloc"
)

var (
	// ErrAllocation indicates that no bridge port could be allocated.
	ErrAllocation = portalloc.ErrAllocation

	// ErrBridgeStart indicates that the bridge failed to start.
	ErrBridgeStart = errors.New("session: cannot start bridge")

	// ErrInterfaceEstablish indicates that the OS declined the interface.
	ErrInterfaceEstablish = errors.New("session: cannot establish interface")

	// ErrEngineStart indicates that the engine could not be dispatched.
	ErrEngineStart = errors.New("session: cannot start engine")

	// ErrEngineStop wraps errors stopping the engine during teardown.
	ErrEngineStop = errors.New("session: cannot stop engine")

	// ErrBridgeStop wraps errors stopping the bridge during teardown.
	ErrBridgeStop = errors.New("session: cannot stop bridge")

	// ErrStopping is returned when starting while a teardown is in progress.
	ErrStopping = errors.New("session: teardown in progress")
)
