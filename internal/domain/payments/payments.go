package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/dbx"

	"github.com/jackc/pgx/v5"
)

type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

const paymentColumns = `
	id, payment_id, user_id, tariff_id, provider, status,
	amount_cents, currency, country, protocol, email, revoked, paid_at, created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.PaymentID, &p.UserID, &p.TariffID, &p.Provider, &p.Status,
		&p.AmountCents, &p.Currency, &p.Country, &p.Protocol, &p.Email,
		&p.Revoked, &p.PaidAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) Create(ctx context.Context, p *Payment) (*Payment, error) {
	if err := r.q.QueryRow(ctx, `
		INSERT INTO payments (payment_id, user_id, tariff_id, provider, status, amount_cents, currency, country, protocol, email)
		VALUES ($1, $2, $3, $4, COALESCE(NULLIF($5,''),'pending'), $6, COALESCE(NULLIF($7,''),'RUB'), $8, $9, $10)
		RETURNING id, created_at
	`, p.PaymentID, p.UserID, p.TariffID, p.Provider, p.Status, p.AmountCents, p.Currency, p.Country, p.Protocol, p.Email).
		Scan(&p.ID, &p.CreatedAt); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	return p, nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Payment, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE id=$1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *Repository) GetByExternalID(ctx context.Context, provider, paymentID string) (*Payment, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE provider=$1 AND payment_id=$2
		LIMIT 1
	`, provider, paymentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment by payment_id: %w", err)
	}
	return p, nil
}

// MarkPaid only fires when the row is still pending, so two concurrent
// deliveries of the same event cannot both transition. Zero rows affected
// means somebody else already settled it.
func (r *Repository) MarkPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		   SET status='paid', paid_at=$2
		 WHERE id=$1 AND status='pending'
	`, id, paidAt)
	if err != nil {
		return false, fmt.Errorf("mark payment paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkClosed(ctx context.Context, id int64, status string) (bool, error) {
	switch status {
	case StatusFailed, StatusCancelled, StatusExpired:
	default:
		return false, fmt.Errorf("mark closed: %q is not a terminal pending transition", status)
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		   SET status=$2
		 WHERE id=$1 AND status='pending'
	`, id, status)
	if err != nil {
		return false, fmt.Errorf("mark payment %s: %w", status, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments
		   SET status='refunded'
		 WHERE id=$1 AND status='paid'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark payment refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) SetRevoked(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE payments SET revoked=TRUE WHERE id=$1 AND NOT revoked
	`, id)
	if err != nil {
		return false, fmt.Errorf("set payment revoked: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status='pending' AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

// ListPaidMissingKey finds the gap the spec cares most about: rows that were
// marked paid but where no credential keyed by (payment, user, tariff) exists.
func (r *Repository) ListPaidMissingKey(ctx context.Context) ([]*Payment, error) {
	rows, err := r.q.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments p
		WHERE p.status='paid'
		  AND NOT EXISTS (
			SELECT 1 FROM vpn_keys k
			WHERE k.payment_id=p.id AND k.user_id=p.user_id AND k.tariff_id=p.tariff_id
		  )
		ORDER BY p.paid_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list paid payments missing key: %w", err)
	}
	defer rows.Close()
	return collectPayments(rows)
}

// List returns payments with optional filters:
// - status: if "" => no status filter
// - since: if nil => no time filter, else created_at >= *since
// Includes pagination via limit/offset and returns total count for pagination UI.
func (r *Repository) List(ctx context.Context, status string, since *time.Time, limit, offset int) ([]*Payment, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.q.Query(ctx, `
		SELECT `+paymentColumns+`, COUNT(*) OVER() AS total_count
		FROM payments
		WHERE ($1 = '' OR status = $1)
		  AND ($2::timestamptz IS NULL OR created_at >= $2::timestamptz)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, status, since, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var (
		out   []*Payment
		total int
	)
	for rows.Next() {
		var (
			p Payment
			t int
		)
		if err := rows.Scan(
			&p.ID, &p.PaymentID, &p.UserID, &p.TariffID, &p.Provider, &p.Status,
			&p.AmountCents, &p.Currency, &p.Country, &p.Protocol, &p.Email,
			&p.Revoked, &p.PaidAt, &p.CreatedAt, &t,
		); err != nil {
			return nil, 0, fmt.Errorf("scan payment: %w", err)
		}
		if total == 0 {
			total = t
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return out, total, nil
}

func collectPayments(rows pgx.Rows) ([]*Payment, error) {
	var out []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(
			&p.ID, &p.PaymentID, &p.UserID, &p.TariffID, &p.Provider, &p.Status,
			&p.AmountCents, &p.Currency, &p.Country, &p.Protocol, &p.Email,
			&p.Revoked, &p.PaidAt, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
