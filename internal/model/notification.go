package model

const (
	// NotificationConnected indicates that the tunnel is up.
	NotificationConnected = 1 << iota

	// NotificationDisconnected indicates that the tunnel went down.
	NotificationDisconnected
)

// Notification is a user-facing notification about the tunnel.
type Notification struct {
	// Flags contains flags explaining what happened.
	Flags int64

	// Title is the short title.
	Title string

	// Text is the body.
	Text string
}

// Notifier presents the foreground indication of a running tunnel.
type Notifier interface {
	// Show presents the notification.
	Show(n *Notification) error

	// Hide removes the foreground indication. It must be safe to call
	// when nothing is shown.
	Hide()
}
