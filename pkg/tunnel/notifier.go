package tunnel

import (
	"github.com/ooni/whisper/internal/model"
)

// LogNotifier presents the tunnel state through a logger.
type LogNotifier struct {
	logger model.Logger
}

var _ model.Notifier = &LogNotifier{}

// NewLogNotifier creates a [LogNotifier].
func NewLogNotifier(logger model.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Show implements model.Notifier.
func (n *LogNotifier) Show(notification *model.Notification) error {
	n.logger.Infof("%s: %s", notification.Title, notification.Text)
	return nil
}

// Hide implements model.Notifier.
func (n *LogNotifier) Hide() {
	n.logger.Debug("tunnel: notification hidden")
}
