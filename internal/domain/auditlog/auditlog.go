package auditlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/merdocx/veilbot-sub003/internal/dbx"

	"github.com/jackc/pgx/v5"
)

type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

// EnsureSchema is called once on startup; the table is also safe to create
// lazily because every statement here tolerates a concurrent CREATE.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.q.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS webhook_audit_logs (
			id          BIGSERIAL PRIMARY KEY,
			provider    TEXT NOT NULL,
			event       TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL,
			status_code INT  NOT NULL DEFAULT 0,
			source_ip   TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	_, err = r.q.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS webhook_audit_logs_provider_result_idx
		ON webhook_audit_logs (provider, result)
	`)
	if err != nil {
		return fmt.Errorf("ensure audit index: %w", err)
	}
	return nil
}

func (r *Repository) Insert(ctx context.Context, e *Entry) error {
	if err := r.q.QueryRow(ctx, `
		INSERT INTO webhook_audit_logs (provider, event, payload, result, status_code, source_ip)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, e.Provider, e.Event, e.Payload, e.Result, e.StatusCode, e.SourceIP).
		Scan(&e.ID, &e.CreatedAt); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id int64) (*Entry, error) {
	var e Entry
	err := r.q.QueryRow(ctx, `
		SELECT id, provider, event, payload, result, status_code, source_ip, created_at
		FROM webhook_audit_logs WHERE id=$1
	`, id).Scan(&e.ID, &e.Provider, &e.Event, &e.Payload, &e.Result, &e.StatusCode, &e.SourceIP, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	return &e, nil
}

func (r *Repository) HasProcessedDelivery(ctx context.Context, provider, payload string) (bool, error) {
	var found bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_audit_logs
			WHERE provider=$1 AND payload=$2 AND result=$3 AND event <> $4
		)
	`, provider, payload, ResultOK, EventReplay).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check processed delivery: %w", err)
	}
	return found, nil
}

func (r *Repository) List(ctx context.Context, provider, result string, limit, offset int) ([]*Entry, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, provider, event, payload, result, status_code, source_ip, created_at,
		       COUNT(*) OVER() AS total_count
		FROM webhook_audit_logs
		WHERE ($1 = '' OR provider = $1)
		  AND ($2 = '' OR result = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, provider, result, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var (
		out   []*Entry
		total int
	)
	for rows.Next() {
		var (
			e Entry
			t int
		)
		if err := rows.Scan(&e.ID, &e.Provider, &e.Event, &e.Payload, &e.Result, &e.StatusCode, &e.SourceIP, &e.CreatedAt, &t); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		if total == 0 {
			total = t
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows error: %w", err)
	}
	return out, total, nil
}

// ListByPayment greps the opaque payload text for the provider-side payment id.
// Good enough for the admin detail view; the payload column is not structured.
func (r *Repository) ListByPayment(ctx context.Context, provider, paymentID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, provider, event, payload, result, status_code, source_ip, created_at
		FROM webhook_audit_logs
		WHERE provider=$1 AND payload LIKE '%' || $2 || '%'
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, provider, paymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs by payment: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Provider, &e.Event, &e.Payload, &e.Result, &e.StatusCode, &e.SourceIP, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
