//go:build !linux

package tunnel

import (
	"errors"

	"github.com/ooni/whisper/pkg/config"
)

// ErrUnsupportedPlatform indicates that no interface allocator exists for
// this platform.
var ErrUnsupportedPlatform = errors.New("tunnel: unsupported platform")

// New returns [ErrUnsupportedPlatform]; use [NewDriver] with a custom
// [model.InterfaceAllocator].
func New(cfg *config.Config, host Host) (*Driver, error) {
	return nil, ErrUnsupportedPlatform
}
