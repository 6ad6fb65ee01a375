package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/issuance"
	"github.com/merdocx/veilbot-sub003/internal/notify"
	"github.com/merdocx/veilbot-sub003/internal/telemetry"
	"github.com/merdocx/veilbot-sub003/internal/webhooks"

	"go.uber.org/zap"
)

// Report carries the counts of one full reconciliation run.
type Report struct {
	PendingProcessed  int       `json:"pending_processed"`
	PendingFailed     int       `json:"pending_failed"`
	IssuanceProcessed int       `json:"issuance_processed"`
	IssuanceFailed    int       `json:"issuance_failed"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
}

// Engine repairs the two inconsistencies webhooks can leave behind: orders
// stuck pending because a delivery was lost, and orders marked paid whose
// issuance never happened. Both sweeps are idempotent and safe to re-run
// concurrently with live traffic; they funnel through the same settle path
// as the webhook handlers.
type Engine struct {
	payments payments.Store
	audit    auditlog.Store
	bridge   issuance.Bridge
	settler  *webhooks.Settler
	notifier notify.Notifier
	grace    time.Duration
	logger   *zap.SugaredLogger
}

func NewEngine(
	paymentStore payments.Store,
	auditStore auditlog.Store,
	bridge issuance.Bridge,
	settler *webhooks.Settler,
	notifier notify.Notifier,
	grace time.Duration,
	logger *zap.SugaredLogger,
) *Engine {
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Engine{
		payments: paymentStore,
		audit:    auditStore,
		bridge:   bridge,
		settler:  settler,
		notifier: notifier,
		grace:    grace,
		logger:   logger,
	}
}

// Run executes both sweeps, writes one audit entry with the counts and
// notifies the operator. Notification and audit failures never fail the run.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}

	var err error
	report.PendingProcessed, report.PendingFailed, err = e.ReconcilePending(ctx)
	if err != nil {
		return report, err
	}

	report.IssuanceProcessed, report.IssuanceFailed, err = e.ReconcileMissingIssuance(ctx)
	if err != nil {
		return report, err
	}

	report.FinishedAt = time.Now()
	e.record(ctx, report)
	return report, nil
}

// ReconcilePending asks the provider for the authoritative status of every
// payment stuck pending past the grace window and re-drives the same
// transition logic the webhook path uses. Per-item failures are counted and
// the sweep continues.
func (e *Engine) ReconcilePending(ctx context.Context) (processed, failed int, err error) {
	cutoff := time.Now().Add(-e.grace)
	stuck, err := e.payments.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("list stuck pending: %w", err)
	}

	for _, p := range stuck {
		status, err := e.bridge.ProviderStatus(ctx, p.ID)
		if err != nil {
			failed++
			e.logger.Errorw("provider status lookup failed", "payment_id", p.ID, "provider", p.Provider, "err", err.Error())
			continue
		}

		repaired, err := e.applyProviderStatus(ctx, p, status)
		if err != nil {
			failed++
			e.logger.Errorw("pending reconciliation failed", "payment_id", p.ID, "status", status, "err", err.Error())
			continue
		}
		if repaired {
			processed++
			telemetry.ReconcileProcessed.WithLabelValues("pending").Inc()
		}
	}

	if failed > 0 {
		telemetry.ReconcileFailed.WithLabelValues("pending").Add(float64(failed))
	}
	return processed, failed, nil
}

func (e *Engine) applyProviderStatus(ctx context.Context, p *payments.Payment, status issuance.Status) (bool, error) {
	switch status {
	case issuance.StatusSucceeded:
		return e.settler.Settle(ctx, p, time.Now())
	case issuance.StatusCanceled:
		return e.payments.MarkClosed(ctx, p.ID, payments.StatusCancelled)
	case issuance.StatusExpired:
		return e.payments.MarkClosed(ctx, p.ID, payments.StatusExpired)
	case issuance.StatusFailed:
		return e.payments.MarkClosed(ctx, p.ID, payments.StatusFailed)
	default:
		// Still pending on the provider side too; nothing to repair.
		return false, nil
	}
}

// RecheckPayment is the single-item flavor of the pending sweep, for the
// admin "recheck" action. Returns the authoritative provider status and
// whether a transition was applied.
func (e *Engine) RecheckPayment(ctx context.Context, id int64) (issuance.Status, bool, error) {
	p, err := e.payments.GetByID(ctx, id)
	if err != nil {
		return issuance.StatusUnknown, false, err
	}
	if p == nil {
		return issuance.StatusUnknown, false, fmt.Errorf("payment %d not found", id)
	}
	if p.Status != payments.StatusPending {
		return issuance.StatusUnknown, false, nil
	}

	status, err := e.bridge.ProviderStatus(ctx, p.ID)
	if err != nil {
		return issuance.StatusUnknown, false, fmt.Errorf("provider status: %w", err)
	}

	repaired, err := e.applyProviderStatus(ctx, p, status)
	if err != nil {
		return status, false, err
	}
	return status, repaired, nil
}

// ReconcileMissingIssuance re-issues credentials for payments that are paid
// but have no key keyed by (payment, user, tariff). Recovers from a crash
// between "marked paid" and "credential issued"; a race with a live webhook
// at worst produces one redundant Issue call, which the bridge absorbs.
func (e *Engine) ReconcileMissingIssuance(ctx context.Context) (processed, failed int, err error) {
	missing, err := e.payments.ListPaidMissingKey(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list paid without key: %w", err)
	}

	for _, p := range missing {
		if _, err := e.bridge.Issue(ctx, p.ID); err != nil {
			failed++
			telemetry.IssuanceCalls.WithLabelValues("issue", "error").Inc()
			e.logger.Errorw("issuance retry failed", "payment_id", p.ID, "err", err.Error())
			continue
		}
		processed++
		telemetry.ReconcileProcessed.WithLabelValues("issuance").Inc()
		telemetry.IssuanceCalls.WithLabelValues("issue", "issued").Inc()
	}

	if failed > 0 {
		telemetry.ReconcileFailed.WithLabelValues("issuance").Add(float64(failed))
	}
	return processed, failed, nil
}

// record logs the run into the audit trail and mails the operator. Neither
// failure fails the run.
func (e *Engine) record(ctx context.Context, report Report) {
	payload, _ := json.Marshal(report)

	entry := &auditlog.Entry{
		Provider:   "reconciler",
		Event:      "sweep",
		Payload:    string(payload),
		Result:     auditlog.ResultOK,
		StatusCode: http.StatusOK,
		SourceIP:   "internal",
	}
	if err := e.audit.Insert(ctx, entry); err != nil {
		e.logger.Errorw("reconciliation audit write failed", "err", err.Error())
	}

	body := fmt.Sprintf(
		"Reconciliation finished.\n\npending repaired: %d (failed %d)\npaid-without-credential repaired: %d (failed %d)\n",
		report.PendingProcessed, report.PendingFailed,
		report.IssuanceProcessed, report.IssuanceFailed,
	)
	if err := e.notifier.Notify(ctx, "Reconciliation report", body); err != nil {
		e.logger.Errorw("operator notification failed", "err", err.Error())
	}
}
