package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// POST /v1/admin/reconcile
// Runs both sweeps synchronously and returns the counts. The engine itself
// writes the audit entry and mails the operator.
func (app *application) adminReconcileHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	report, err := app.reconciler.Run(ctx)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, report); err != nil {
		app.internalServerError(w, r, err)
	}
}

// POST /v1/admin/payments/{paymentID}/recheck
// Single-item flavor of the pending sweep: ask the provider for the
// authoritative status and re-drive the transition.
func (app *application) adminRecheckPaymentHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	id, err := paymentIDParam(r)
	if err != nil {
		app.badRequestResponse(w, r, err)
		return
	}

	status, repaired, err := app.reconciler.RecheckPayment(ctx, id)
	if err != nil {
		app.internalServerError(w, r, err)
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"provider_status": status,
		"repaired":        repaired,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}

// POST /v1/admin/audit-logs/{logID}/replay
// Re-submits a stored delivery through the pipeline. The idempotency guard
// short-circuits payloads that already processed successfully; either way a
// fresh event="replay" audit row records the attempt.
func (app *application) adminReplayHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	logID, err := strconv.ParseInt(chi.URLParam(r, "logID"), 10, 64)
	if err != nil || logID <= 0 {
		app.badRequestResponse(w, r, fmt.Errorf("invalid audit log id"))
		return
	}

	res, err := app.pipeline.Replay(ctx, logID, sourceIP(r))
	if err != nil {
		app.notFoundResponse(w, r, err)
		return
	}

	if err := app.jsonResponse(w, http.StatusOK, map[string]any{
		"processed": res.Processed,
		"result":    res.AuditResult,
		"detail":    res.Detail,
	}); err != nil {
		app.internalServerError(w, r, err)
	}
}
