package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"

	"go.uber.org/zap"
)

const (
	ProviderYooKassa = "yookassa"

	yookassaSignatureHeader = "X-Webhook-Signature"
)

// YooKassaHandler handles the confirmation-push shape: the gateway tells us
// the final status outright, we only have to apply it.
type YooKassaHandler struct {
	store   payments.Store
	settler *Settler
	secret  string
	logger  *zap.SugaredLogger
}

func NewYooKassaHandler(store payments.Store, settler *Settler, secret string, logger *zap.SugaredLogger) *YooKassaHandler {
	return &YooKassaHandler{store: store, settler: settler, secret: secret, logger: logger}
}

func (h *YooKassaHandler) CanHandle(provider string) bool { return provider == ProviderYooKassa }

// VerifySignature checks the base64 HMAC-SHA256 of the raw body.
func (h *YooKassaHandler) VerifySignature(header http.Header, body []byte) bool {
	got := header.Get(yookassaSignatureHeader)
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

type yookassaNotification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID         string     `json:"id"`
		Status     string     `json:"status"`
		Paid       bool       `json:"paid"`
		CapturedAt *time.Time `json:"captured_at"`
		Amount     struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"object"`
}

func (h *YooKassaHandler) Process(ctx context.Context, body []byte) (Outcome, error) {
	var n yookassaNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Outcome{}, fmt.Errorf("%w: yookassa notification: %v", ErrParse, err)
	}
	if n.Object.ID == "" {
		return Outcome{}, fmt.Errorf("%w: yookassa notification without object id", ErrValidation)
	}

	tr, ignorable, err := yookassaTransition(&n)
	if err != nil {
		return Outcome{}, err
	}
	if ignorable {
		// Interim states the gateway will follow up on by itself.
		return Outcome{Processed: false, Result: auditlog.ResultOK, Detail: "ignored event " + n.Event}, nil
	}

	p, err := h.store.GetByExternalID(ctx, ProviderYooKassa, tr.ExternalRef)
	if err != nil {
		return Outcome{}, err
	}
	if p == nil {
		return Outcome{Processed: false, Result: auditlog.ResultNotFound, Detail: "no order for payment " + tr.ExternalRef}, nil
	}

	switch tr.Status {
	case payments.StatusPaid:
		transitioned, err := h.settler.Settle(ctx, p, tr.SettledAt)
		if err != nil {
			return Outcome{}, err
		}
		detail := "settled"
		if !transitioned {
			detail = "already settled"
		}
		return Outcome{Processed: true, Result: auditlog.ResultOK, Detail: detail}, nil

	case payments.StatusCancelled:
		if _, err := h.store.MarkClosed(ctx, p.ID, payments.StatusCancelled); err != nil {
			return Outcome{}, err
		}
		return Outcome{Processed: true, Result: auditlog.ResultOK, Detail: "cancelled"}, nil
	}

	return Outcome{}, fmt.Errorf("%w: unmapped yookassa transition %q", ErrValidation, tr.Status)
}

// yookassaTransition maps the notification onto the canonical transition
// record. The second return marks events we understand but deliberately skip.
func yookassaTransition(n *yookassaNotification) (Transition, bool, error) {
	tr := Transition{ExternalRef: n.Object.ID}

	switch n.Event {
	case "payment.succeeded":
		tr.Status = payments.StatusPaid
		if n.Object.CapturedAt != nil {
			tr.SettledAt = *n.Object.CapturedAt
		}
		return tr, false, nil
	case "payment.canceled":
		tr.Status = payments.StatusCancelled
		return tr, false, nil
	case "payment.waiting_for_capture", "refund.succeeded":
		return tr, true, nil
	default:
		return tr, false, fmt.Errorf("%w: unknown yookassa event %q", ErrValidation, n.Event)
	}
}
