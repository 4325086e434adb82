package vpntest

import (
	"sync"

	"github.com/ooni/whisper/internal/model"
)

// Notifier is a fake [model.Notifier].
type Notifier struct {
	// ShowErr is returned by Show when not nil.
	ShowErr error

	rec *Recorder

	mu      sync.Mutex
	showing bool
	shown   []*model.Notification
}

var _ model.Notifier = &Notifier{}

// NewNotifier creates a [Notifier] recording into rec.
func NewNotifier(rec *Recorder) *Notifier {
	return &Notifier{rec: rec}
}

// Show implements model.Notifier.
func (n *Notifier) Show(notification *model.Notification) error {
	n.rec.Record("notifier.Show")
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ShowErr != nil {
		return n.ShowErr
	}
	n.showing = true
	n.shown = append(n.shown, notification)
	return nil
}

// Hide implements model.Notifier.
func (n *Notifier) Hide() {
	n.rec.Record("notifier.Hide")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.showing = false
}

// Showing returns whether a notification is currently shown.
func (n *Notifier) Showing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.showing
}
