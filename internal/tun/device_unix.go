//go:build unix

package tun

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ooni/whisper/internal/model"
)

// rawDevice is a [model.Device] backed by a raw descriptor. Unlike an
// [os.File] it has no finalizer, so handing the descriptor to another owner
// is safe.
type rawDevice struct {
	name string
	fd   int

	// release undoes OS state bound to the device other than the descriptor.
	release func(ctx context.Context)

	mu   sync.Mutex
	done bool
}

var _ model.Device = &rawDevice{}

// Name implements model.Device.
func (d *rawDevice) Name() string {
	return d.name
}

// Fd implements model.Device.
func (d *rawDevice) Fd() int {
	return d.fd
}

// Detach implements model.Device.
func (d *rawDevice) Detach() (int, error) {
	defer d.mu.Unlock()
	d.mu.Lock()
	if d.done {
		return -1, ErrDetached
	}
	d.done = true
	return d.fd, nil
}

// Close implements model.Device.
func (d *rawDevice) Close() error {
	defer d.mu.Unlock()
	d.mu.Lock()
	if d.done {
		return nil
	}
	d.done = true
	d.releaseLocked(context.Background())
	return unix.Close(d.fd)
}

// Teardown implements model.Device.
func (d *rawDevice) Teardown(ctx context.Context) error {
	defer d.mu.Unlock()
	d.mu.Lock()
	d.releaseLocked(ctx)
	return nil
}

func (d *rawDevice) releaseLocked(ctx context.Context) {
	if d.release != nil {
		d.release(ctx)
		d.release = nil
	}
}
