package auditlog

import (
	"context"
	"time"
)

// Results recorded per inbound call. One row per call, always, including
// parse failures; replays add their own rows and never touch earlier ones.
const (
	ResultOK         = "ok"
	ResultError      = "error"
	ResultNotFound   = "not_found"
	ResultParseError = "parse_error"
)

// EventReplay marks rows written by admin-triggered replays so they stay
// distinguishable from original deliveries.
const EventReplay = "replay"

type Entry struct {
	ID         int64     `json:"id"`
	Provider   string    `json:"provider"`
	Event      string    `json:"event"`
	Payload    string    `json:"payload"`
	Result     string    `json:"result"`
	StatusCode int       `json:"status_code"`
	SourceIP   string    `json:"source_ip"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store interface {
	// EnsureSchema creates the audit table if it does not exist yet.
	EnsureSchema(ctx context.Context) error

	Insert(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id int64) (*Entry, error)

	// HasProcessedDelivery reports whether a non-replay row with the exact
	// same (provider, payload) bytes already produced result=ok. Matching is
	// on raw bytes: a provider that re-serializes the same event differently
	// (key order, whitespace) slips past this check. Known limitation.
	HasProcessedDelivery(ctx context.Context, provider, payload string) (bool, error)

	List(ctx context.Context, provider, result string, limit, offset int) ([]*Entry, int, error)
	ListByPayment(ctx context.Context, provider, paymentID string, limit int) ([]*Entry, error)
}
