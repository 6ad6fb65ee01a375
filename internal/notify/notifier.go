package notify

import "context"

// Notifier is the outbound operator-notification channel. Callers treat every
// send as best-effort: a failed notification never fails the operation that
// triggered it.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Noop discards notifications; used when no channel is configured and in tests.
type Noop struct{}

func (Noop) Notify(ctx context.Context, subject, body string) error { return nil }
