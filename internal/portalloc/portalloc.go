// Package portalloc obtains ephemeral, locally-free TCP ports.
package portalloc

import (
	"errors"
	"fmt"
	"net"
)

// ErrAllocation indicates that no port could be bound.
var ErrAllocation = errors.New("portalloc: cannot allocate a port")

// Allocator allocates ports.
type Allocator interface {
	Allocate() (int, error)
}

// Loopback binds an ephemeral listener on the loopback interface, reads back
// the port the kernel picked, and closes the listener.
type Loopback struct{}

var _ Allocator = Loopback{}

// Allocate implements Allocator.
func (Loopback) Allocate() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrAllocation, err)
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		return 0, fmt.Errorf("%w: unexpected address %s", ErrAllocation, ln.Addr())
	}
	return addr.Port, nil
}

// Fixed always returns the same port. It is useful when the port is set in
// the configuration and in tests.
type Fixed int

var _ Allocator = Fixed(0)

// Allocate implements Allocator.
func (f Fixed) Allocate() (int, error) {
	if f <= 0 || f > 65535 {
		return 0, fmt.Errorf("%w: invalid port %d", ErrAllocation, int(f))
	}
	return int(f), nil
}
