package main

import (
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// POST /v1/webhooks/{provider}
//
// The contract here is strict: an audit row is written even when the body is
// garbage, a response always goes out, and at most one ledger mutation
// happens per processed event. All of that lives in the pipeline; this
// handler only does transport.
func (app *application) webhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		// Feed whatever we got to the pipeline anyway so the delivery still
		// leaves an audit row behind.
		app.logger.Warnw("webhook body read failed", "provider", provider, "err", err.Error())
	}

	res := app.pipeline.HandleInbound(r.Context(), provider, body, r.Header, sourceIP(r))

	if res.Err != nil {
		_ = writeJSON(w, res.StatusCode, map[string]any{
			"status": "error",
			"reason": res.Detail,
		})
		return
	}

	response := map[string]any{"status": "ok"}
	if !res.Processed {
		response["processed"] = false
	}
	_ = writeJSON(w, res.StatusCode, response)
}

// sourceIP takes the first hop of the forwarding header, else the peer address.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
