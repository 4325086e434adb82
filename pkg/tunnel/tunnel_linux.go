package tunnel

import (
	"github.com/ooni/whisper/internal/tun"
	"github.com/ooni/whisper/pkg/config"
)

// New returns a [Driver] establishing TUN interfaces on this host.
func New(cfg *config.Config, host Host) (*Driver, error) {
	notifier := NewLogNotifier(cfg.Logger())
	return NewDriver(cfg, tun.NewLinuxAllocator(cfg.Logger()), notifier, host), nil
}
