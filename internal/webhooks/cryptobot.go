package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/domain/storage"
	"github.com/merdocx/veilbot-sub003/internal/domain/tariffs"

	"go.uber.org/zap"
)

const (
	ProviderCryptoBot = "cryptobot"

	cryptobotSignatureHeader = "Crypto-Pay-Api-Signature"
)

// CryptoBotHandler handles the invoice shape: we only react to invoice_paid,
// and a missing or already-settled order is the provider re-delivering, not
// an error, so we answer success and let its retry loop die down.
type CryptoBotHandler struct {
	store   payments.Store
	tariffs tariffs.Store
	settler *Settler
	tx      TxRunner
	sigKey  []byte // sha256 of the API token, per Crypto Pay docs
	bonus   time.Duration
	logger  *zap.SugaredLogger
}

func NewCryptoBotHandler(
	store payments.Store,
	tariffStore tariffs.Store,
	settler *Settler,
	tx TxRunner,
	apiToken string,
	bonus time.Duration,
	logger *zap.SugaredLogger,
) *CryptoBotHandler {
	key := sha256.Sum256([]byte(apiToken))
	return &CryptoBotHandler{
		store:   store,
		tariffs: tariffStore,
		settler: settler,
		tx:      tx,
		sigKey:  key[:],
		bonus:   bonus,
		logger:  logger,
	}
}

func (h *CryptoBotHandler) CanHandle(provider string) bool { return provider == ProviderCryptoBot }

// VerifySignature checks the hex HMAC-SHA256 of the raw body, keyed by the
// SHA-256 of the API token.
func (h *CryptoBotHandler) VerifySignature(header http.Header, body []byte) bool {
	got := header.Get(cryptobotSignatureHeader)
	if got == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.sigKey)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(got))
}

type cryptobotUpdate struct {
	UpdateType string `json:"update_type"`
	Payload    struct {
		InvoiceID int64  `json:"invoice_id"`
		Status    string `json:"status"`
		PaidAt    string `json:"paid_at"`
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
	} `json:"payload"`
}

func (h *CryptoBotHandler) Process(ctx context.Context, body []byte) (Outcome, error) {
	var u cryptobotUpdate
	if err := json.Unmarshal(body, &u); err != nil {
		return Outcome{}, fmt.Errorf("%w: cryptobot update: %v", ErrParse, err)
	}
	if u.UpdateType != "invoice_paid" {
		return Outcome{}, fmt.Errorf("%w: unknown cryptobot update_type %q", ErrValidation, u.UpdateType)
	}
	if u.Payload.InvoiceID == 0 {
		return Outcome{}, fmt.Errorf("%w: cryptobot update without invoice_id", ErrValidation)
	}

	tr := Transition{
		Status:      payments.StatusPaid,
		ExternalRef: strconv.FormatInt(u.Payload.InvoiceID, 10),
	}
	if t, err := time.Parse(time.RFC3339, u.Payload.PaidAt); err == nil {
		tr.SettledAt = t
	}

	p, err := h.store.GetByExternalID(ctx, ProviderCryptoBot, tr.ExternalRef)
	if err != nil {
		return Outcome{}, err
	}
	if p == nil || p.Status != payments.StatusPending {
		return Outcome{Processed: false, Result: auditlog.ResultNotFound, Detail: "no pending order for invoice " + tr.ExternalRef}, nil
	}

	transitioned, err := h.settler.Settle(ctx, p, tr.SettledAt)
	if err != nil {
		return Outcome{}, err
	}
	if !transitioned {
		// Lost the race against a duplicate delivery; the winner issued.
		return Outcome{Processed: false, Result: auditlog.ResultNotFound, Detail: "order already settled"}, nil
	}

	h.creditReferrer(ctx, p)

	return Outcome{Processed: true, Result: auditlog.ResultOK, Detail: "settled"}, nil
}

// creditReferrer credits the payer's referrer exactly once, on the first
// settled payment. Everything here is best-effort: the payment is already
// settled and must not be failed by bonus plumbing.
func (h *CryptoBotHandler) creditReferrer(ctx context.Context, p *payments.Payment) {
	err := h.tx.WithTx(ctx, func(s *storage.Tx) error {
		referrerID, claimed, err := s.Referrals.ClaimBonus(ctx, p.UserID)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		extended, err := s.Keys.ExtendActive(ctx, referrerID, h.bonus)
		if err != nil {
			return err
		}
		if extended {
			return nil
		}

		// Referrer has no active key: grant a minimal-tier one instead.
		minimal, err := h.tariffs.GetMinimal(ctx)
		if err != nil {
			return err
		}
		if minimal == nil {
			return fmt.Errorf("no tariffs configured for bonus grant")
		}
		_, err = s.Keys.GrantBonus(ctx, referrerID, minimal.ID, h.bonus)
		return err
	})
	if err != nil {
		h.logger.Errorw("referral bonus crediting failed",
			"payment_id", p.ID, "user_id", p.UserID, "err", err.Error())
	}
}
