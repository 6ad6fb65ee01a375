package webhooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/keys"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/domain/referrals"
	"github.com/merdocx/veilbot-sub003/internal/domain/storage"
	"github.com/merdocx/veilbot-sub003/internal/domain/tariffs"
	"github.com/merdocx/veilbot-sub003/internal/issuance"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

// ---- payments.Store ----

type mockPaymentStore struct {
	mu       sync.Mutex
	rows     map[int64]*payments.Payment
	failWith error

	markPaidCalls   int
	markClosedCalls int
}

func newMockPaymentStore(rows ...*payments.Payment) *mockPaymentStore {
	m := &mockPaymentStore{rows: make(map[int64]*payments.Payment)}
	for _, p := range rows {
		m.rows[p.ID] = p
	}
	return m
}

func (m *mockPaymentStore) Create(ctx context.Context, p *payments.Payment) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.ID] = p
	return p, nil
}

func (m *mockPaymentStore) GetByID(ctx context.Context, id int64) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	p, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *mockPaymentStore) GetByExternalID(ctx context.Context, provider, paymentID string) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	for _, p := range m.rows {
		if p.Provider == provider && p.PaymentID == paymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockPaymentStore) MarkPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPaidCalls++
	p, ok := m.rows[id]
	if !ok || p.Status != payments.StatusPending {
		return false, nil
	}
	p.Status = payments.StatusPaid
	p.PaidAt = &paidAt
	return true, nil
}

func (m *mockPaymentStore) MarkClosed(ctx context.Context, id int64, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markClosedCalls++
	p, ok := m.rows[id]
	if !ok || p.Status != payments.StatusPending {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (m *mockPaymentStore) MarkRefunded(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != payments.StatusPaid {
		return false, nil
	}
	p.Status = payments.StatusRefunded
	return true, nil
}

func (m *mockPaymentStore) SetRevoked(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Revoked {
		return false, nil
	}
	p.Revoked = true
	return true, nil
}

func (m *mockPaymentStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*payments.Payment
	for _, p := range m.rows {
		if p.Status == payments.StatusPending && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPaymentStore) ListPaidMissingKey(ctx context.Context) ([]*payments.Payment, error) {
	return nil, errors.New("not wired in this mock")
}

func (m *mockPaymentStore) List(ctx context.Context, status string, since *time.Time, limit, offset int) ([]*payments.Payment, int, error) {
	return nil, 0, errors.New("not wired in this mock")
}

func (m *mockPaymentStore) status(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

// ---- issuance.Bridge ----

type mockBridge struct {
	mu          sync.Mutex
	issueCalls  []int64
	issueErr    error
	refundCalls int
	statuses    map[int64]issuance.Status
	statusErr   error
}

func (m *mockBridge) Issue(ctx context.Context, paymentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issueErr != nil {
		return false, m.issueErr
	}
	m.issueCalls = append(m.issueCalls, paymentID)
	return true, nil
}

func (m *mockBridge) Refund(ctx context.Context, paymentID int64, amountCents int64, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	return true, nil
}

func (m *mockBridge) ProviderStatus(ctx context.Context, paymentID int64) (issuance.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return issuance.StatusUnknown, m.statusErr
	}
	if st, ok := m.statuses[paymentID]; ok {
		return st, nil
	}
	return issuance.StatusUnknown, nil
}

func (m *mockBridge) issueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issueCalls)
}

// ---- auditlog.Store ----

type mockAuditStore struct {
	mu        sync.Mutex
	entries   []*auditlog.Entry
	insertErr error
}

func (m *mockAuditStore) EnsureSchema(ctx context.Context) error { return nil }

func (m *mockAuditStore) Insert(ctx context.Context, e *auditlog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	e.ID = int64(len(m.entries) + 1)
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockAuditStore) GetByID(ctx context.Context, id int64) (*auditlog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockAuditStore) HasProcessedDelivery(ctx context.Context, provider, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Provider == provider && e.Payload == payload && e.Result == auditlog.ResultOK && e.Event != auditlog.EventReplay {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAuditStore) List(ctx context.Context, provider, result string, limit, offset int) ([]*auditlog.Entry, int, error) {
	return nil, 0, errors.New("not wired in this mock")
}

func (m *mockAuditStore) ListByPayment(ctx context.Context, provider, paymentID string, limit int) ([]*auditlog.Entry, error) {
	return nil, errors.New("not wired in this mock")
}

func (m *mockAuditStore) last() *auditlog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil
	}
	return m.entries[len(m.entries)-1]
}

func (m *mockAuditStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ---- referrals.Store / keys / tariffs / TxRunner ----

type mockReferralStore struct {
	mu         sync.Mutex
	byReferred map[int64]*referrals.Referral
	claims     int
}

func (m *mockReferralStore) ClaimBonus(ctx context.Context, referredID int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.byReferred[referredID]
	if !ok || ref.BonusIssued {
		return 0, false, nil
	}
	ref.BonusIssued = true
	m.claims++
	return ref.ReferrerID, true, nil
}

type mockKeyStore struct {
	mu           sync.Mutex
	existing     map[int64]bool // payment id -> key exists
	activeByUser map[int64]bool
	extendCalls  int
	grantCalls   int
}

func (m *mockKeyStore) ExistsForPayment(ctx context.Context, paymentID, userID, tariffID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing[paymentID], nil
}

func (m *mockKeyStore) CountActiveForPayment(ctx context.Context, paymentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existing[paymentID] {
		return 1, nil
	}
	return 0, nil
}

func (m *mockKeyStore) ExtendActive(ctx context.Context, userID int64, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.activeByUser[userID] {
		return false, nil
	}
	m.extendCalls++
	return true, nil
}

func (m *mockKeyStore) GrantBonus(ctx context.Context, userID, tariffID int64, d time.Duration) (*keys.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantCalls++
	return &keys.Key{UserID: userID, TariffID: tariffID, Bonus: true}, nil
}

type mockTariffStore struct{}

func (mockTariffStore) GetByID(ctx context.Context, id int64) (*tariffs.Tariff, error) {
	return &tariffs.Tariff{ID: id, Name: "standard", DurationDays: 30}, nil
}

func (mockTariffStore) GetMinimal(ctx context.Context) (*tariffs.Tariff, error) {
	return &tariffs.Tariff{ID: 1, Name: "basic", DurationDays: 7}, nil
}

type mockTxRunner struct {
	referrals *mockReferralStore
	keys      *mockKeyStore
}

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(s *storage.Tx) error) error {
	return fn(&storage.Tx{
		Referrals: m.referrals,
		Keys:      m.keys,
	})
}
