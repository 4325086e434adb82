// Package tun owns the virtual interface descriptor of a session.
//
// A [Handle] is the exclusive owner of a [model.Device] from the moment the
// allocator returns it until teardown hands the raw descriptor off with
// [Handle.Detach]. After Detach the descriptor belongs to whoever received
// it (the routing engine closes it when it stops), and [Handle.Close]
// becomes a no-op.
package tun

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ooni/whisper/internal/model"
	"github.com/ooni/whisper/internal/runtimex"
)

var (
	// ErrDetached is returned when the descriptor was already handed off.
	ErrDetached = errors.New("tun: descriptor already detached")

	// ErrClosed is returned when the descriptor was already closed.
	ErrClosed = errors.New("tun: descriptor already closed")
)

// Handle owns a [model.Device]. The zero value is invalid; use [NewHandle].
type Handle struct {
	dev    model.Device
	logger model.Logger

	// mu protects detached and closed.
	mu       sync.Mutex
	detached bool
	closed   bool
}

// NewHandle creates a new [Handle]. This function TAKES OWNERSHIP of dev.
func NewHandle(logger model.Logger, dev model.Device) *Handle {
	runtimex.Assert(dev != nil, "tun: nil device")
	return &Handle{
		dev:    dev,
		logger: logger,
	}
}

// Name returns the OS interface name.
func (h *Handle) Name() string {
	return h.dev.Name()
}

// Ref returns the file-descriptor-style reference of the device, e.g. "fd://42".
func (h *Handle) Ref() string {
	return model.DeviceRef(h.dev.Fd())
}

// Detach transfers ownership of the raw descriptor out of the handle.
func (h *Handle) Detach() (int, error) {
	defer h.mu.Unlock()
	h.mu.Lock()
	switch {
	case h.detached:
		return -1, ErrDetached
	case h.closed:
		return -1, ErrClosed
	}
	fd, err := h.dev.Detach()
	if err != nil {
		return -1, fmt.Errorf("tun: detach %s: %w", h.dev.Name(), err)
	}
	h.detached = true
	h.logger.Debugf("tun: %s: detached fd %d", h.dev.Name(), fd)
	return fd, nil
}

// Close closes the descriptor unless it was detached. It has once semantics.
func (h *Handle) Close() error {
	defer h.mu.Unlock()
	h.mu.Lock()
	if h.detached || h.closed {
		return nil
	}
	h.closed = true
	h.logger.Debugf("tun: %s: closing", h.dev.Name())
	return h.dev.Close()
}

// Teardown undoes the OS state bound to the device, such as bypass routes.
// Teardown runs last, once nothing depends on that state anymore.
func (h *Handle) Teardown(ctx context.Context) error {
	h.logger.Debugf("tun: %s: teardown", h.dev.Name())
	if err := h.dev.Teardown(ctx); err != nil {
		return fmt.Errorf("tun: teardown %s: %w", h.dev.Name(), err)
	}
	return nil
}

// Owned returns whether the handle still owns the descriptor.
func (h *Handle) Owned() bool {
	defer h.mu.Unlock()
	h.mu.Lock()
	return !h.detached && !h.closed
}
