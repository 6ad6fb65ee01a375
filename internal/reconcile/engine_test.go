package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/issuance"
	"github.com/merdocx/veilbot-sub003/internal/notify"
	"github.com/merdocx/veilbot-sub003/internal/webhooks"

	"go.uber.org/zap"
)

type fakeLedger struct {
	mu         sync.Mutex
	rows       map[int64]*payments.Payment
	missingKey []int64 // ids returned by ListPaidMissingKey
}

func newFakeLedger(rows ...*payments.Payment) *fakeLedger {
	l := &fakeLedger{rows: make(map[int64]*payments.Payment)}
	for _, p := range rows {
		l.rows[p.ID] = p
	}
	return l
}

func (l *fakeLedger) Create(ctx context.Context, p *payments.Payment) (*payments.Payment, error) {
	return p, nil
}

func (l *fakeLedger) GetByID(ctx context.Context, id int64) (*payments.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (l *fakeLedger) GetByExternalID(ctx context.Context, provider, paymentID string) (*payments.Payment, error) {
	return nil, nil
}

func (l *fakeLedger) MarkPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.rows[id]
	if !ok || p.Status != payments.StatusPending {
		return false, nil
	}
	p.Status = payments.StatusPaid
	p.PaidAt = &paidAt
	return true, nil
}

func (l *fakeLedger) MarkClosed(ctx context.Context, id int64, status string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.rows[id]
	if !ok || p.Status != payments.StatusPending {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (l *fakeLedger) MarkRefunded(ctx context.Context, id int64) (bool, error) { return false, nil }
func (l *fakeLedger) SetRevoked(ctx context.Context, id int64) (bool, error)   { return false, nil }

func (l *fakeLedger) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*payments.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*payments.Payment
	for _, p := range l.rows {
		if p.Status == payments.StatusPending && p.CreatedAt.Before(cutoff) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *fakeLedger) ListPaidMissingKey(ctx context.Context) ([]*payments.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*payments.Payment
	for _, id := range l.missingKey {
		if p, ok := l.rows[id]; ok && p.Status == payments.StatusPaid {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *fakeLedger) List(ctx context.Context, status string, since *time.Time, limit, offset int) ([]*payments.Payment, int, error) {
	return nil, 0, nil
}

func (l *fakeLedger) status(id int64) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows[id].Status
}

type fakeBridge struct {
	mu         sync.Mutex
	statuses   map[int64]issuance.Status
	statusErrs map[int64]error
	issueErr   error
	issueCalls []int64
}

func (b *fakeBridge) Issue(ctx context.Context, paymentID int64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.issueErr != nil {
		return false, b.issueErr
	}
	b.issueCalls = append(b.issueCalls, paymentID)
	return true, nil
}

func (b *fakeBridge) Refund(ctx context.Context, paymentID int64, amountCents int64, reason string) (bool, error) {
	return true, nil
}

func (b *fakeBridge) ProviderStatus(ctx context.Context, paymentID int64) (issuance.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.statusErrs[paymentID]; ok {
		return issuance.StatusUnknown, err
	}
	if st, ok := b.statuses[paymentID]; ok {
		return st, nil
	}
	return issuance.StatusPending, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*auditlog.Entry
}

func (a *fakeAudit) EnsureSchema(ctx context.Context) error { return nil }

func (a *fakeAudit) Insert(ctx context.Context, e *auditlog.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.ID = int64(len(a.entries) + 1)
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) GetByID(ctx context.Context, id int64) (*auditlog.Entry, error) {
	return nil, nil
}

func (a *fakeAudit) HasProcessedDelivery(ctx context.Context, provider, payload string) (bool, error) {
	return false, nil
}

func (a *fakeAudit) List(ctx context.Context, provider, result string, limit, offset int) ([]*auditlog.Entry, int, error) {
	return nil, 0, nil
}

func (a *fakeAudit) ListByPayment(ctx context.Context, provider, paymentID string, limit int) ([]*auditlog.Entry, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Notify(ctx context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func newTestEngine(ledger *fakeLedger, bridge *fakeBridge, audit *fakeAudit, notifier notify.Notifier) *Engine {
	logger := zap.NewNop().Sugar()
	settler := webhooks.NewSettler(ledger, bridge, logger)
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return NewEngine(ledger, audit, bridge, settler, notifier, 15*time.Minute, logger)
}

func stalePending(id int64) *payments.Payment {
	return &payments.Payment{
		ID: id, PaymentID: "ext", Provider: "cryptobot",
		Status: payments.StatusPending, CreatedAt: time.Now().Add(-time.Hour),
	}
}

func TestRunOnConsistentLedgerReportsZero(t *testing.T) {
	paid := time.Now()
	ledger := newFakeLedger(&payments.Payment{
		ID: 1, Status: payments.StatusPaid, PaidAt: &paid, CreatedAt: time.Now().Add(-time.Hour),
	})
	bridge := &fakeBridge{}
	audit := &fakeAudit{}
	notifier := &recordingNotifier{}

	report, err := newTestEngine(ledger, bridge, audit, notifier).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.PendingProcessed != 0 || report.PendingFailed != 0 ||
		report.IssuanceProcessed != 0 || report.IssuanceFailed != 0 {
		t.Errorf("report = %+v, want all zero", report)
	}
	if len(bridge.issueCalls) != 0 {
		t.Errorf("issue calls = %d, want 0", len(bridge.issueCalls))
	}
	if len(audit.entries) != 1 {
		t.Fatalf("audit rows = %d, want the sweep record", len(audit.entries))
	}
	if e := audit.entries[0]; e.Provider != "reconciler" || e.Event != "sweep" {
		t.Errorf("sweep record = %+v", e)
	}
	if len(notifier.subjects) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.subjects))
	}
}

func TestPendingSweepSettlesSucceededPayment(t *testing.T) {
	ledger := newFakeLedger(stalePending(1))
	bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: issuance.StatusSucceeded}}

	processed, failed, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if processed != 1 || failed != 0 {
		t.Errorf("processed=%d failed=%d, want 1/0", processed, failed)
	}
	if got := ledger.status(1); got != payments.StatusPaid {
		t.Errorf("status = %q, want %q", got, payments.StatusPaid)
	}
	if len(bridge.issueCalls) != 1 {
		t.Errorf("issue calls = %d, want 1", len(bridge.issueCalls))
	}
}

func TestPendingSweepClosesTerminalStatuses(t *testing.T) {
	cases := []struct {
		provider issuance.Status
		want     string
	}{
		{issuance.StatusCanceled, payments.StatusCancelled},
		{issuance.StatusExpired, payments.StatusExpired},
		{issuance.StatusFailed, payments.StatusFailed},
	}

	for _, tc := range cases {
		ledger := newFakeLedger(stalePending(1))
		bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: tc.provider}}

		processed, _, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcilePending(context.Background())
		if err != nil {
			t.Fatalf("%s: %v", tc.provider, err)
		}
		if processed != 1 {
			t.Errorf("%s: processed = %d, want 1", tc.provider, processed)
		}
		if got := ledger.status(1); got != tc.want {
			t.Errorf("%s: status = %q, want %q", tc.provider, got, tc.want)
		}
	}
}

func TestPendingSweepSkipsStillPending(t *testing.T) {
	ledger := newFakeLedger(stalePending(1))
	bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: issuance.StatusPending}}

	processed, failed, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if processed != 0 || failed != 0 {
		t.Errorf("processed=%d failed=%d, want 0/0", processed, failed)
	}
	if got := ledger.status(1); got != payments.StatusPending {
		t.Errorf("status = %q, want untouched pending", got)
	}
}

func TestPendingSweepRespectsGraceWindow(t *testing.T) {
	fresh := &payments.Payment{
		ID: 1, Status: payments.StatusPending, CreatedAt: time.Now().Add(-time.Minute),
	}
	ledger := newFakeLedger(fresh)
	bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: issuance.StatusSucceeded}}

	processed, _, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0 inside the grace window", processed)
	}
	if got := ledger.status(1); got != payments.StatusPending {
		t.Errorf("status = %q, want untouched pending", got)
	}
}

func TestPendingSweepCountsPerItemFailuresAndContinues(t *testing.T) {
	ledger := newFakeLedger(stalePending(1), stalePending(2))
	bridge := &fakeBridge{
		statuses:   map[int64]issuance.Status{2: issuance.StatusSucceeded},
		statusErrs: map[int64]error{1: errors.New("provider timeout")},
	}

	processed, failed, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcilePending(context.Background())
	if err != nil {
		t.Fatalf("ReconcilePending: %v", err)
	}
	if processed != 1 || failed != 1 {
		t.Errorf("processed=%d failed=%d, want 1/1", processed, failed)
	}
	if got := ledger.status(2); got != payments.StatusPaid {
		t.Errorf("payment 2 status = %q, want %q", got, payments.StatusPaid)
	}
}

func TestMissingIssuanceSweepIssuesOnce(t *testing.T) {
	paid := time.Now()
	ledger := newFakeLedger(&payments.Payment{
		ID: 1, Status: payments.StatusPaid, PaidAt: &paid, UserID: 10, TariffID: 2,
	})
	ledger.missingKey = []int64{1}
	bridge := &fakeBridge{}

	processed, failed, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcileMissingIssuance(context.Background())
	if err != nil {
		t.Fatalf("ReconcileMissingIssuance: %v", err)
	}
	if processed != 1 || failed != 0 {
		t.Errorf("processed=%d failed=%d, want 1/0", processed, failed)
	}
	if len(bridge.issueCalls) != 1 || bridge.issueCalls[0] != 1 {
		t.Errorf("issue calls = %v, want [1]", bridge.issueCalls)
	}
}

func TestMissingIssuanceSweepCountsFailures(t *testing.T) {
	paid := time.Now()
	ledger := newFakeLedger(&payments.Payment{ID: 1, Status: payments.StatusPaid, PaidAt: &paid})
	ledger.missingKey = []int64{1}
	bridge := &fakeBridge{issueErr: errors.New("bridge unreachable")}

	processed, failed, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).ReconcileMissingIssuance(context.Background())
	if err != nil {
		t.Fatalf("ReconcileMissingIssuance: %v", err)
	}
	if processed != 0 || failed != 1 {
		t.Errorf("processed=%d failed=%d, want 0/1", processed, failed)
	}
}

func TestRecheckPaymentAppliesProviderStatus(t *testing.T) {
	ledger := newFakeLedger(stalePending(1))
	bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: issuance.StatusSucceeded}}

	status, repaired, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).RecheckPayment(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecheckPayment: %v", err)
	}
	if status != issuance.StatusSucceeded || !repaired {
		t.Errorf("status=%q repaired=%v, want succeeded/true", status, repaired)
	}
	if got := ledger.status(1); got != payments.StatusPaid {
		t.Errorf("status = %q, want %q", got, payments.StatusPaid)
	}
}

func TestRecheckPaymentSkipsNonPending(t *testing.T) {
	paid := time.Now()
	ledger := newFakeLedger(&payments.Payment{ID: 1, Status: payments.StatusPaid, PaidAt: &paid})
	bridge := &fakeBridge{statuses: map[int64]issuance.Status{1: issuance.StatusSucceeded}}

	status, repaired, err := newTestEngine(ledger, bridge, &fakeAudit{}, nil).RecheckPayment(context.Background(), 1)
	if err != nil {
		t.Fatalf("RecheckPayment: %v", err)
	}
	if repaired || status != issuance.StatusUnknown {
		t.Errorf("status=%q repaired=%v, want unknown/false for a settled payment", status, repaired)
	}
}

func TestRecheckPaymentUnknownID(t *testing.T) {
	engine := newTestEngine(newFakeLedger(), &fakeBridge{}, &fakeAudit{}, nil)
	if _, _, err := engine.RecheckPayment(context.Background(), 99); err == nil {
		t.Error("expected error for unknown payment id")
	}
}
