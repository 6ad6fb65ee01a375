package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/storage"
)

// Sentinel errors the pipeline maps to audit results and HTTP codes.
var (
	// ErrParse: the body never made it past decoding. Logged as parse_error.
	ErrParse = errors.New("payload parse error")

	// ErrValidation: well-formed body but an unknown provider, a bad
	// signature, or an event name the handler has never heard of.
	ErrValidation = errors.New("payload validation error")
)

// Transition is the canonical internal record a provider payload decodes
// into. Raw provider maps never cross the handler boundary; everything
// downstream works off this.
type Transition struct {
	Status      string
	SettledAt   time.Time
	ExternalRef string
}

// Outcome is what a handler reports back for a fully parsed event.
// Processed=false covers legitimately ignorable events; Result tells the
// pipeline which audit result to record for them.
type Outcome struct {
	Processed bool
	Result    string // auditlog.ResultOK or auditlog.ResultNotFound
	Detail    string
}

// Handler maps one provider's payloads to ledger transitions.
type Handler interface {
	CanHandle(provider string) bool
	VerifySignature(header http.Header, body []byte) bool
	Process(ctx context.Context, body []byte) (Outcome, error)
}

// TxRunner is the slice of the storage container handlers need for atomic
// units of work (referral crediting). *storage.Container satisfies it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(s *storage.Tx) error) error
}
