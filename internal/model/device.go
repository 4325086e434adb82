package model

import "context"

// Device is a virtual interface descriptor returned by an [InterfaceAllocator].
type Device interface {
	// Name is the OS interface name.
	Name() string

	// Fd returns the raw descriptor without transferring ownership.
	Fd() int

	// Detach transfers ownership of the raw descriptor to the caller. After
	// Detach, Close does not close the descriptor.
	Detach() (int, error)

	// Close releases the descriptor if it is still owned, and undoes the
	// OS state bound to the device like [Device.Teardown].
	Close() error

	// Teardown undoes the OS state bound to the device other than the
	// descriptor, such as the routes that keep the remote host outside
	// the tunnel. It runs once; later calls return nil.
	Teardown(ctx context.Context) error
}

// InterfaceAllocator allocates tunnel devices.
type InterfaceAllocator interface {
	// Establish allocates a device. It returns a nil [Device] and a nil
	// error when the OS declines.
	Establish(ctx context.Context, info TunnelInfo) (Device, error)
}
