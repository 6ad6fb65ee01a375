package issuance

import "context"

// Status is the canonical provider-side view of a payment, as reported by
// the bridge's status lookup.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// Bridge is the consumed provisioning interface. Issue must be safe to call
// more than once for an already-issued payment (a no-op on the second call),
// because reconciliation may race with a live webhook for the same payment.
type Bridge interface {
	Issue(ctx context.Context, paymentID int64) (bool, error)
	Refund(ctx context.Context, paymentID int64, amountCents int64, reason string) (bool, error)
	ProviderStatus(ctx context.Context, paymentID int64) (Status, error)
}
