package webhooks

import (
	"context"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/issuance"
	"github.com/merdocx/veilbot-sub003/internal/telemetry"

	"go.uber.org/zap"
)

// Settler owns the settle step every path funnels through: webhook handlers,
// the pending-payment sweep and the admin recheck all call the same code, so
// a race between them ends at the conditional UPDATE.
type Settler struct {
	payments payments.Store
	bridge   issuance.Bridge
	logger   *zap.SugaredLogger
}

func NewSettler(store payments.Store, bridge issuance.Bridge, logger *zap.SugaredLogger) *Settler {
	return &Settler{payments: store, bridge: bridge, logger: logger}
}

// Settle transitions the payment to paid and triggers issuance. Returns
// whether this call performed the transition; false means someone else
// already did, which is the idempotent path.
//
// An issuance failure after a successful transition is deliberately not an
// error: the payment stays paid, the gap shows up in the missing-issuance
// sweep, and the bridge absorbs the eventual duplicate call.
func (s *Settler) Settle(ctx context.Context, p *payments.Payment, settledAt time.Time) (bool, error) {
	if settledAt.IsZero() {
		settledAt = time.Now()
	}

	transitioned, err := s.payments.MarkPaid(ctx, p.ID, settledAt)
	if err != nil {
		return false, err
	}
	if !transitioned {
		return false, nil
	}

	s.Issue(ctx, p)
	return true, nil
}

// Issue calls the bridge and logs failures without propagating them.
func (s *Settler) Issue(ctx context.Context, p *payments.Payment) {
	issued, err := s.bridge.Issue(ctx, p.ID)
	if err != nil {
		telemetry.IssuanceCalls.WithLabelValues("issue", "error").Inc()
		s.logger.Errorw("issuance bridge call failed, payment stays paid without key",
			"payment_id", p.ID, "provider", p.Provider, "external_id", p.PaymentID, "err", err.Error())
		return
	}
	outcome := "noop"
	if issued {
		outcome = "issued"
	}
	telemetry.IssuanceCalls.WithLabelValues("issue", outcome).Inc()
}
