//go:build linux

package tun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/Doridian/water"
	"github.com/jackpal/gateway"
	"golang.org/x/sys/unix"

	"github.com/ooni/whisper/internal/model"
)

// ErrNoDescriptor indicates that the TUN device does not expose a descriptor.
var ErrNoDescriptor = errors.New("tun: device has no file descriptor")

// LinuxAllocator allocates TUN devices with water and configures them with
// /sbin/ip. The zero value is invalid; use [NewLinuxAllocator].
type LinuxAllocator struct {
	logger   model.Logger
	run      Runner
	resolver *net.Resolver
	ipPath   string
}

var _ model.InterfaceAllocator = &LinuxAllocator{}

// NewLinuxAllocator creates a [LinuxAllocator] using [ExecRunner].
func NewLinuxAllocator(logger model.Logger) *LinuxAllocator {
	return &LinuxAllocator{
		logger:   logger,
		run:      ExecRunner,
		resolver: net.DefaultResolver,
		ipPath:   "/sbin/ip",
	}
}

// Establish implements model.InterfaceAllocator.
func (a *LinuxAllocator) Establish(ctx context.Context, info model.TunnelInfo) (model.Device, error) {
	// resolve first: once the routes are in place, lookups would go
	// through the tunnel which is not working yet
	excluded, err := resolveExcluded(ctx, a.resolver, info.Excluded)
	if err != nil {
		return nil, err
	}

	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("tun: cannot open tun interface: %w", err)
	}
	name := iface.Name()

	fd, err := dupDescriptor(iface, info.Blocking)
	// the water wrapper is not needed anymore: the duplicate keeps the
	// device alive and has no finalizer
	iface.Close()
	if err != nil {
		return nil, err
	}

	dev := &rawDevice{name: name, fd: fd}

	for _, cmd := range interfaceCommands(name, info.Address, info.MTU, info.Route) {
		if err := a.run(ctx, a.ipPath, cmd...); err != nil {
			dev.Close()
			return nil, err
		}
	}

	if len(excluded) > 0 {
		gw, err := gateway.DiscoverGateway()
		if err != nil {
			a.logger.Warnf("tun: could not discover default gateway, routes might loop: %s", err.Error())
		} else if gwAddr, ok := netip.AddrFromSlice(gw); ok {
			add, del := bypassCommands(excluded, gwAddr.Unmap())
			for _, cmd := range add {
				if err := a.run(ctx, a.ipPath, cmd...); err != nil {
					a.logger.Warnf("tun: bypass route: %s", err.Error())
				}
			}
			dev.release = func(ctx context.Context) {
				for _, cmd := range del {
					if err := a.run(ctx, a.ipPath, cmd...); err != nil {
						a.logger.Warnf("tun: remove bypass route: %s", err.Error())
					}
				}
			}
		}
	}

	a.logger.Infof("tun: %s up: %s (resolver %s)", name, info.Address, info.DNS)
	return dev, nil
}

// dupDescriptor duplicates the descriptor of iface and sets its mode.
func dupDescriptor(iface *water.Interface, blocking bool) (int, error) {
	f, ok := iface.ReadWriteCloser.(interface{ Fd() uintptr })
	if !ok {
		return -1, ErrNoDescriptor
	}
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return -1, fmt.Errorf("tun: dup: %w", err)
	}
	if err := unix.SetNonblock(fd, !blocking); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tun: set nonblock: %w", err)
	}
	return fd, nil
}
