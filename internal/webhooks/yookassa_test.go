package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
)

func yookassaTestHandler(store *mockPaymentStore, bridge *mockBridge) *YooKassaHandler {
	settler := NewSettler(store, bridge, testLogger())
	return NewYooKassaHandler(store, settler, "test-secret", testLogger())
}

func yookassaBody(event, id string) []byte {
	return []byte(`{"type":"notification","event":"` + event + `","object":{"id":"` + id + `","status":"succeeded","paid":true}}`)
}

func TestYooKassaSucceededSettlesPendingPayment(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 1, PaymentID: "pay_123", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	bridge := &mockBridge{}
	h := yookassaTestHandler(store, bridge)

	out, err := h.Process(context.Background(), yookassaBody("payment.succeeded", "pay_123"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Processed {
		t.Error("expected Processed=true")
	}
	if out.Result != auditlog.ResultOK {
		t.Errorf("result = %q, want %q", out.Result, auditlog.ResultOK)
	}
	if got := store.status(1); got != payments.StatusPaid {
		t.Errorf("payment status = %q, want %q", got, payments.StatusPaid)
	}
	if n := bridge.issueCount(); n != 1 {
		t.Errorf("issuance calls = %d, want 1", n)
	}
}

func TestYooKassaDuplicateDeliveryIssuesOnce(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 1, PaymentID: "pay_123", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	bridge := &mockBridge{}
	h := yookassaTestHandler(store, bridge)

	body := yookassaBody("payment.succeeded", "pay_123")
	for i := 0; i < 2; i++ {
		out, err := h.Process(context.Background(), body)
		if err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
		if !out.Processed {
			t.Errorf("Process #%d: expected Processed=true", i+1)
		}
	}

	if got := store.status(1); got != payments.StatusPaid {
		t.Errorf("payment status = %q, want %q", got, payments.StatusPaid)
	}
	if n := bridge.issueCount(); n != 1 {
		t.Errorf("issuance calls = %d, want exactly 1", n)
	}
}

func TestYooKassaCanceledClosesPayment(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 2, PaymentID: "pay_456", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	bridge := &mockBridge{}
	h := yookassaTestHandler(store, bridge)

	out, err := h.Process(context.Background(), yookassaBody("payment.canceled", "pay_456"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Processed {
		t.Error("expected Processed=true")
	}
	if got := store.status(2); got != payments.StatusCancelled {
		t.Errorf("payment status = %q, want %q", got, payments.StatusCancelled)
	}
	if n := bridge.issueCount(); n != 0 {
		t.Errorf("issuance calls = %d, want 0", n)
	}
}

func TestYooKassaWaitingForCaptureIsIgnored(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 3, PaymentID: "pay_789", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	h := yookassaTestHandler(store, &mockBridge{})

	out, err := h.Process(context.Background(), yookassaBody("payment.waiting_for_capture", "pay_789"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Processed {
		t.Error("expected Processed=false for an interim event")
	}
	if out.Result != auditlog.ResultOK {
		t.Errorf("result = %q, want %q", out.Result, auditlog.ResultOK)
	}
	if got := store.status(3); got != payments.StatusPending {
		t.Errorf("payment status = %q, want untouched %q", got, payments.StatusPending)
	}
}

func TestYooKassaUnknownEventIsValidationError(t *testing.T) {
	h := yookassaTestHandler(newMockPaymentStore(), &mockBridge{})

	_, err := h.Process(context.Background(), yookassaBody("payment.exploded", "pay_123"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestYooKassaUnknownPaymentIsNotFound(t *testing.T) {
	h := yookassaTestHandler(newMockPaymentStore(), &mockBridge{})

	out, err := h.Process(context.Background(), yookassaBody("payment.succeeded", "pay_nope"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Processed {
		t.Error("expected Processed=false")
	}
	if out.Result != auditlog.ResultNotFound {
		t.Errorf("result = %q, want %q", out.Result, auditlog.ResultNotFound)
	}
}

func TestYooKassaIssuanceFailureKeepsPaymentPaid(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 4, PaymentID: "pay_x", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	bridge := &mockBridge{issueErr: errors.New("bridge is down")}
	h := yookassaTestHandler(store, bridge)

	out, err := h.Process(context.Background(), yookassaBody("payment.succeeded", "pay_x"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Processed {
		t.Error("expected Processed=true despite issuance failure")
	}
	if got := store.status(4); got != payments.StatusPaid {
		t.Errorf("payment status = %q, want %q", got, payments.StatusPaid)
	}
}

func TestYooKassaVerifySignature(t *testing.T) {
	h := yookassaTestHandler(newMockPaymentStore(), &mockBridge{})
	body := yookassaBody("payment.succeeded", "pay_123")

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Webhook-Signature", sig)
	if !h.VerifySignature(header, body) {
		t.Error("valid signature rejected")
	}

	header.Set("X-Webhook-Signature", "bm90LXRoZS1zaWduYXR1cmU=")
	if h.VerifySignature(header, body) {
		t.Error("bad signature accepted")
	}

	if h.VerifySignature(http.Header{}, body) {
		t.Error("missing signature accepted")
	}
}

func TestYooKassaCapturedAtBecomesPaidAt(t *testing.T) {
	store := newMockPaymentStore(&payments.Payment{
		ID: 5, PaymentID: "pay_t", Provider: ProviderYooKassa, Status: payments.StatusPending,
	})
	h := yookassaTestHandler(store, &mockBridge{})

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"event":"payment.succeeded","object":{"id":"pay_t","status":"succeeded","captured_at":"` +
		captured.Format(time.RFC3339) + `"}}`)

	if _, err := h.Process(context.Background(), body); err != nil {
		t.Fatalf("Process: %v", err)
	}

	store.mu.Lock()
	paidAt := store.rows[5].PaidAt
	store.mu.Unlock()
	if paidAt == nil || !paidAt.Equal(captured) {
		t.Errorf("paid_at = %v, want %v", paidAt, captured)
	}
}
