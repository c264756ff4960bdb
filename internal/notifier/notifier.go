// Package notifier delivers operator-facing alerts. Delivery is fire-and-forget
// and rate-limited on its own budget so alert volume never slows trading paths.
package notifier

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
	RetryWithNotification(action func() error, description string) error
}

// Noop drops all messages. Used when no channel is configured and in tests.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }
func (Noop) RetryWithNotification(action func() error, _ string) error {
	return action()
}
