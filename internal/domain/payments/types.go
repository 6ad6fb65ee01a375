package payments

import (
	"context"
	"time"
)

// Payment statuses. pending can move to paid, failed, cancelled or expired,
// paid can move to refunded, and nothing ever moves backwards. The repository
// enforces this with conditional UPDATEs, not application-side checks.
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusRefunded  = "refunded"
)

type Payment struct {
	ID          int64      `json:"id"`
	PaymentID   string     `json:"payment_id"` // provider-side id, unique per provider
	UserID      int64      `json:"user_id"`
	TariffID    int64      `json:"tariff_id"`
	Provider    string     `json:"provider"` // yookassa, cryptobot, ...
	Status      string     `json:"status"`
	AmountCents int64      `json:"amount_cents"` // immutable after creation
	Currency    string     `json:"currency"`
	Country     *string    `json:"country,omitempty"`
	Protocol    *string    `json:"protocol,omitempty"`
	Email       *string    `json:"email,omitempty"`
	Revoked     bool       `json:"revoked"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Store interface {
	Create(ctx context.Context, p *Payment) (*Payment, error)
	GetByID(ctx context.Context, id int64) (*Payment, error)
	GetByExternalID(ctx context.Context, provider, paymentID string) (*Payment, error)

	// MarkPaid transitions pending -> paid. Returns false when the row was not
	// pending anymore, which callers treat as an idempotent no-op.
	MarkPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error)

	// MarkClosed transitions pending -> failed|cancelled|expired.
	MarkClosed(ctx context.Context, id int64, status string) (bool, error)

	// MarkRefunded transitions paid -> refunded. Admin-triggered only.
	MarkRefunded(ctx context.Context, id int64) (bool, error)

	// SetRevoked flips the orthogonal revoked flag at most once.
	SetRevoked(ctx context.Context, id int64) (bool, error)

	ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Payment, error)
	ListPaidMissingKey(ctx context.Context) ([]*Payment, error)
	List(ctx context.Context, status string, since *time.Time, limit, offset int) ([]*Payment, int, error)
}
