package tariffs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/dbx"

	"github.com/jackc/pgx/v5"
)

type Tariff struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	DurationDays int       `json:"duration_days"`
	PriceCents   int64     `json:"price_cents"`
	Protocol     string    `json:"protocol"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	GetByID(ctx context.Context, id int64) (*Tariff, error)
	GetMinimal(ctx context.Context) (*Tariff, error)
}

type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

func (r *Repository) GetByID(ctx context.Context, id int64) (*Tariff, error) {
	var t Tariff
	err := r.q.QueryRow(ctx, `
		SELECT id, name, duration_days, price_cents, protocol, created_at
		FROM tariffs WHERE id=$1
	`, id).Scan(&t.ID, &t.Name, &t.DurationDays, &t.PriceCents, &t.Protocol, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get tariff: %w", err)
	}
	return &t, nil
}

// GetMinimal returns the cheapest tariff, used when a referral bonus has to
// grant a credential to a referrer who has none to extend.
func (r *Repository) GetMinimal(ctx context.Context) (*Tariff, error) {
	var t Tariff
	err := r.q.QueryRow(ctx, `
		SELECT id, name, duration_days, price_cents, protocol, created_at
		FROM tariffs ORDER BY price_cents ASC, id ASC LIMIT 1
	`).Scan(&t.ID, &t.Name, &t.DurationDays, &t.PriceCents, &t.Protocol, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get minimal tariff: %w", err)
	}
	return &t, nil
}
