package vpntest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ooni/whisper/internal/model"
)

// ErrDoubleRelease indicates a descriptor was released more than once.
var ErrDoubleRelease = errors.New("vpntest: descriptor released twice")

// Device is a fake [model.Device] that counts how many times its
// descriptor is released, whoever releases it.
type Device struct {
	name string
	fd   int

	// rec, when not nil, records Teardown.
	rec *Recorder

	mu        sync.Mutex
	detached  bool
	releases  int
	teardowns int
}

var _ model.Device = &Device{}

// NewDevice creates a [Device].
func NewDevice(name string, fd int) *Device {
	return &Device{name: name, fd: fd}
}

// Name implements model.Device.
func (d *Device) Name() string {
	return d.name
}

// Fd implements model.Device.
func (d *Device) Fd() int {
	return d.fd
}

// Detach implements model.Device.
func (d *Device) Detach() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return -1, errors.New("vpntest: already detached")
	}
	d.detached = true
	return d.fd, nil
}

// Close implements model.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	detached := d.detached
	d.mu.Unlock()
	if detached {
		return nil
	}
	d.Teardown(context.Background())
	return d.Release()
}

// Teardown implements model.Device.
func (d *Device) Teardown(ctx context.Context) error {
	if d.rec != nil {
		d.rec.Record("device.Teardown")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns++
	return nil
}

// Teardowns returns how many times Teardown ran.
func (d *Device) Teardowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.teardowns
}

// Release closes the raw descriptor; it is what the new owner of a detached
// descriptor does.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases++
	if d.releases > 1 {
		return fmt.Errorf("%w: fd %d", ErrDoubleRelease, d.fd)
	}
	return nil
}

// Detached returns whether the descriptor was detached.
func (d *Device) Detached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detached
}

// Releases returns how many times the descriptor was released.
func (d *Device) Releases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.releases
}

// Allocator is a fake [model.InterfaceAllocator].
type Allocator struct {
	// Decline makes Establish return no device and no error.
	Decline bool

	// Err is returned by Establish when not nil.
	Err error

	rec *Recorder

	mu      sync.Mutex
	nextFd  int
	devices []*Device
	infos   []model.TunnelInfo
}

var _ model.InterfaceAllocator = &Allocator{}

// NewAllocator creates an [Allocator] recording into rec.
func NewAllocator(rec *Recorder) *Allocator {
	return &Allocator{rec: rec, nextFd: 100}
}

// Establish implements model.InterfaceAllocator.
func (a *Allocator) Establish(ctx context.Context, info model.TunnelInfo) (model.Device, error) {
	a.rec.Record("allocator.Establish")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.infos = append(a.infos, info)
	if a.Err != nil {
		return nil, a.Err
	}
	if a.Decline {
		return nil, nil
	}
	dev := NewDevice(fmt.Sprintf("tun%d", len(a.devices)), a.nextFd)
	dev.rec = a.rec
	a.nextFd++
	a.devices = append(a.devices, dev)
	return dev, nil
}

// Devices returns the devices established so far.
func (a *Allocator) Devices() []*Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Device{}, a.devices...)
}

// Infos returns the configurations passed to Establish.
func (a *Allocator) Infos() []model.TunnelInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.TunnelInfo{}, a.infos...)
}

// ReleaseRef releases the device referenced by ref ("fd://N").
func (a *Allocator) ReleaseRef(ref string) error {
	fd, err := strconv.Atoi(strings.TrimPrefix(ref, "fd://"))
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, dev := range a.devices {
		if dev.fd == fd {
			return dev.Release()
		}
	}
	return fmt.Errorf("vpntest: no device for %s", ref)
}
