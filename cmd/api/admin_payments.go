package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/params"

	"github.com/go-chi/chi/v5"
)

func paymentIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid payment id")
	}
	return id, nil
}

// GET /v1/admin/payments?status=...&since=...&page=...&limit=...
func (app *application) adminListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	status := strings.TrimSpace(q.Get("status")) // "" => no filter

	var since *time.Time
	if rawSince := strings.TrimSpace(q.Get("since")); rawSince != "" {
		t, parseErr := time.Parse(time.RFC3339, rawSince)
		if parseErr != nil {
			app.badRequestResponse(w, r, fmt.Errorf("invalid since (must be RFC3339): %w", parseErr))
			return
		}
		since = &t
	}

	pg := params.ParsePagination(q)

	list, total, err := app.store.Payments.List(ctx, status, since, pg.Limit, pg.Offset)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	pg.ComputeMeta(total)

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"payments":   list,
		"pagination": pg,
		"status":     status,
		"since":      since,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// GET /v1/admin/payments/{paymentID} - payment plus its audit trail, so an
// operator can find the log id to replay.
func (app *application) adminGetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	pay, err := app.store.Payments.GetByID(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if pay == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %d not found", id))
		return
	}

	trail, err := app.store.AuditLogs.ListByPayment(ctx, pay.Provider, pay.PaymentID, 50)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"payment":     pay,
		"audit_trail": trail,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// GET /v1/admin/audit-logs?provider=...&result=...
func (app *application) adminListAuditLogsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	q := r.URL.Query()
	provider := strings.TrimSpace(q.Get("provider"))
	result := strings.TrimSpace(q.Get("result"))

	pg := params.ParsePagination(q)

	logs, total, err := app.store.AuditLogs.List(ctx, provider, result, pg.Limit, pg.Offset)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	pg.ComputeMeta(total)

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"logs":       logs,
		"pagination": pg,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

type RefundPaymentPayload struct {
	AmountCents int64  `json:"amount_cents" validate:"required,gt=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

// POST /v1/admin/payments/{paymentID}/refund
// paid -> refunded is the only reverse-looking edge and it is admin-only.
// The revoked flag flips too once no active credentials remain.
func (app *application) adminRefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	var payload RefundPaymentPayload
	if err := readJSON(w, r, &payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}
	if err := Validate.Struct(payload); err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	pay, err := app.store.Payments.GetByID(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if pay == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %d not found", id))
		return
	}
	if pay.Status != payments.StatusPaid {
		app.badRequestResponse(w, r, fmt.Errorf("payment %d is %s, only paid payments can be refunded", id, pay.Status))
		return
	}
	if payload.AmountCents > pay.AmountCents {
		app.badRequestResponse(w, r, fmt.Errorf("refund amount exceeds payment amount"))
		return
	}

	refunded, err := app.bridge.Refund(ctx, pay.ID, payload.AmountCents, payload.Reason)
	if err != nil {
		app.internalServerError(w, r, fmt.Errorf("bridge refund: %w", err))
		return
	}

	revoked := false
	if refunded {
		if _, err := app.store.Payments.MarkRefunded(ctx, pay.ID); err != nil {
			app.internalServerError(w, r, err)
			return
		}

		active, err := app.store.Keys.CountActiveForPayment(ctx, pay.ID)
		if err != nil {
			app.logger.Errorw("active key count failed after refund", "payment_id", pay.ID, "err", err.Error())
		} else if active == 0 {
			revoked, err = app.store.Payments.SetRevoked(ctx, pay.ID)
			if err != nil {
				app.logger.Errorw("revoke flag update failed", "payment_id", pay.ID, "err", err.Error())
			}
		}
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"refunded": refunded,
		"revoked":  revoked,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// POST /v1/admin/payments/{paymentID}/retry
// Single-item flavor of the missing-issuance sweep: re-issue only when the
// payment is paid and no credential exists yet.
func (app *application) adminRetryPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	pay, err := app.store.Payments.GetByID(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if pay == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %d not found", id))
		return
	}
	if pay.Status != payments.StatusPaid {
		app.badRequestResponse(w, r, fmt.Errorf("payment %d is %s, nothing to retry", id, pay.Status))
		return
	}

	exists, err := app.store.Keys.ExistsForPayment(ctx, pay.ID, pay.UserID, pay.TariffID)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if exists {
		if err := app.jsonResponse(w, http.StatusOK, map[string]any{
			"issued": false,
			"detail": "credential already issued",
		}); err != nil {
			app.internalServerError(w, r, err)
		}
		return
	}

	issued, err := app.bridge.Issue(ctx, pay.ID)
	if err != nil {
		app.internalServerError(w, r, fmt.Errorf("bridge issue: %w", err))
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{"issued": issued}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// POST /v1/admin/payments/{paymentID}/issue
// Unconditional bridge call; the bridge is idempotent for already-issued
// payments, so this is safe for operators who know better.
func (app *application) adminIssuePaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	pay, err := app.store.Payments.GetByID(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if pay == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %d not found", id))
		return
	}

	issued, err := app.bridge.Issue(ctx, pay.ID)
	if err != nil {
		app.internalServerError(w, r, fmt.Errorf("bridge issue: %w", err))
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{"issued": issued}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// POST /v1/admin/payments/{paymentID}/revoke
// revoked is orthogonal to status and settable once, only after every
// credential for the payment is gone.
func (app *application) adminRevokePaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	pay, err := app.store.Payments.GetByID(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if pay == nil {
		app.notFoundResponse(w, r, fmt.Errorf("payment %d not found", id))
		return
	}

	active, err := app.store.Keys.CountActiveForPayment(ctx, pay.ID)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}
	if active > 0 {
		app.badRequestResponse(w, r, fmt.Errorf("payment %d still has %d active credentials", id, active))
		return
	}

	revoked, err := app.store.Payments.SetRevoked(ctx, pay.ID)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{"revoked": revoked}); err != nil {
		app.internalServerError(w, r, err)
	}
}
