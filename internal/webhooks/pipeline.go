package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/telemetry"

	"go.uber.org/zap"
)

// Payloads are stored verbatim for forensics, but capped so a hostile body
// cannot bloat the audit table.
const maxAuditPayload = 8192

// Result is the pipeline's verdict on one delivery, already mapped to the
// HTTP response the ingress should send.
type Result struct {
	Processed   bool
	StatusCode  int
	AuditResult string
	Detail      string
	Err         error
}

// Pipeline is the one path every event takes: live webhooks, admin replays
// and nothing else. It guarantees an audit row per call no matter what.
type Pipeline struct {
	audit            auditlog.Store
	registry         *Registry
	verifySignatures bool
	logger           *zap.SugaredLogger
}

func NewPipeline(audit auditlog.Store, registry *Registry, verifySignatures bool, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		audit:            audit,
		registry:         registry,
		verifySignatures: verifySignatures,
		logger:           logger,
	}
}

// envelope is the light probe used only to pull a canonical event identifier
// for the audit row; full decoding stays inside the provider handler.
type envelope struct {
	Event      string `json:"event"`
	UpdateType string `json:"update_type"`
}

// HandleInbound runs one delivery through parse -> signature -> handler and
// writes exactly one audit row, parse failures included.
func (p *Pipeline) HandleInbound(ctx context.Context, provider string, body []byte, header http.Header, sourceIP string) Result {
	payload := truncate(body)

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		p.writeAudit(ctx, provider, "parse_error", payload, auditlog.ResultParseError, http.StatusInternalServerError, sourceIP)
		return Result{
			StatusCode:  http.StatusInternalServerError,
			AuditResult: auditlog.ResultParseError,
			Detail:      "malformed payload",
			Err:         fmt.Errorf("%w: %v", ErrParse, err),
		}
	}

	event := env.Event
	if event == "" {
		event = env.UpdateType
	}

	outcome, err := p.dispatch(ctx, provider, body, header)

	res := p.classify(outcome, err)
	p.writeAudit(ctx, provider, event, payload, res.AuditResult, res.StatusCode, sourceIP)
	telemetry.WebhooksTotal.WithLabelValues(provider, res.AuditResult).Inc()
	return res
}

// Replay re-submits a stored audit entry through the same pipeline. The
// original row is never touched; the attempt gets its own event="replay" row.
func (p *Pipeline) Replay(ctx context.Context, logID int64, sourceIP string) (Result, error) {
	entry, err := p.audit.GetByID(ctx, logID)
	if err != nil {
		return Result{}, err
	}
	if entry == nil {
		return Result{}, fmt.Errorf("audit log entry %d not found", logID)
	}

	// Idempotency guard: if the exact same bytes already went through
	// successfully as a live delivery, report success without re-invoking
	// the handler.
	done, err := p.audit.HasProcessedDelivery(ctx, entry.Provider, entry.Payload)
	if err != nil {
		return Result{}, err
	}
	if done {
		res := Result{
			Processed:   true,
			StatusCode:  http.StatusOK,
			AuditResult: auditlog.ResultOK,
			Detail:      "delivery already processed, replay short-circuited",
		}
		p.writeReplayAudit(ctx, entry, res, sourceIP)
		telemetry.ReplaysTotal.WithLabelValues("short_circuit").Inc()
		return res, nil
	}

	body := []byte(entry.Payload)

	var res Result
	if !json.Valid(body) {
		res = Result{
			StatusCode:  http.StatusInternalServerError,
			AuditResult: auditlog.ResultParseError,
			Detail:      "stored payload is not parseable",
			Err:         ErrParse,
		}
	} else {
		// Signatures are not re-checked on replay: headers are not part of
		// the audit record and the operator explicitly vouched for the entry.
		outcome, err := p.process(ctx, entry.Provider, body)
		res = p.classify(outcome, err)
	}

	p.writeReplayAudit(ctx, entry, res, sourceIP)
	telemetry.ReplaysTotal.WithLabelValues(res.AuditResult).Inc()
	return res, nil
}

func (p *Pipeline) dispatch(ctx context.Context, provider string, body []byte, header http.Header) (Outcome, error) {
	h := p.registry.Find(provider)
	if h == nil {
		return Outcome{}, fmt.Errorf("%w: no handler for provider %q", ErrValidation, provider)
	}

	if p.verifySignatures && !h.VerifySignature(header, body) {
		return Outcome{}, fmt.Errorf("%w: bad or missing signature", ErrValidation)
	}

	return p.safeProcess(ctx, h, body)
}

func (p *Pipeline) process(ctx context.Context, provider string, body []byte) (Outcome, error) {
	h := p.registry.Find(provider)
	if h == nil {
		return Outcome{}, fmt.Errorf("%w: no handler for provider %q", ErrValidation, provider)
	}
	return p.safeProcess(ctx, h, body)
}

// safeProcess keeps a panicking handler from escaping the ingress boundary;
// the delivery still gets its audit row and error response.
func (p *Pipeline) safeProcess(ctx context.Context, h Handler, body []byte) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Process(ctx, body)
}

func (p *Pipeline) classify(outcome Outcome, err error) Result {
	if err != nil {
		code := http.StatusBadRequest
		result := auditlog.ResultError
		if errors.Is(err, ErrParse) {
			code = http.StatusInternalServerError
			result = auditlog.ResultParseError
		}
		return Result{StatusCode: code, AuditResult: result, Detail: err.Error(), Err: err}
	}

	result := outcome.Result
	if result == "" {
		result = auditlog.ResultOK
	}
	return Result{
		Processed:   outcome.Processed,
		StatusCode:  http.StatusOK,
		AuditResult: result,
		Detail:      outcome.Detail,
	}
}

// writeAudit must never break the acknowledgment path: failures get logged
// and swallowed so a secondary write cannot mask the primary outcome.
func (p *Pipeline) writeAudit(ctx context.Context, provider, event, payload, result string, statusCode int, sourceIP string) {
	entry := &auditlog.Entry{
		Provider:   provider,
		Event:      event,
		Payload:    payload,
		Result:     result,
		StatusCode: statusCode,
		SourceIP:   sourceIP,
	}
	if err := p.audit.Insert(ctx, entry); err != nil {
		p.logger.Errorw("audit log write failed", "provider", provider, "event", event, "err", err.Error())
	}
}

func (p *Pipeline) writeReplayAudit(ctx context.Context, original *auditlog.Entry, res Result, sourceIP string) {
	entry := &auditlog.Entry{
		Provider:   original.Provider,
		Event:      auditlog.EventReplay,
		Payload:    original.Payload,
		Result:     res.AuditResult,
		StatusCode: res.StatusCode,
		SourceIP:   sourceIP,
	}
	if err := p.audit.Insert(ctx, entry); err != nil {
		p.logger.Errorw("replay audit log write failed", "log_id", original.ID, "err", err.Error())
	}
}

func truncate(body []byte) string {
	if len(body) > maxAuditPayload {
		return string(body[:maxAuditPayload])
	}
	return string(body)
}
