package storage

import (
	"context"
	"fmt"

	"github.com/merdocx/veilbot-sub003/internal/domain/auditlog"
	"github.com/merdocx/veilbot-sub003/internal/domain/keys"
	"github.com/merdocx/veilbot-sub003/internal/domain/payments"
	"github.com/merdocx/veilbot-sub003/internal/domain/referrals"
	"github.com/merdocx/veilbot-sub003/internal/domain/tariffs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Container struct {
	pool      *pgxpool.Pool // set so WithTx works
	Payments  payments.Store
	AuditLogs auditlog.Store
	Referrals referrals.Store
	Tariffs   tariffs.Store
	Keys      keys.Store
}

func NewContainer(db *pgxpool.Pool) *Container {
	return &Container{
		pool:      db,
		Payments:  payments.NewRepository(db),
		AuditLogs: auditlog.NewRepository(db),
		Referrals: referrals.NewRepository(db),
		Tariffs:   tariffs.NewRepository(db),
		Keys:      keys.NewRepository(db),
	}
}

// Tx is a temporary, tx-scoped set of repos for atomic units of work.
type Tx struct {
	Payments  payments.Store
	Referrals referrals.Store
	Keys      keys.Store
}

// WithTx runs a ledger unit-of-work atomically.
func (c *Container) WithTx(ctx context.Context, fn func(s *Tx) error) error {
	if c.pool == nil {
		return fmt.Errorf("storage container pool is nil (did you forget to set pool in NewContainer?)")
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback(ctx) // safe even if already committed
	}()

	s := &Tx{
		Payments:  payments.NewRepository(tx),
		Referrals: referrals.NewRepository(tx),
		Keys:      keys.NewRepository(tx),
	}

	if err := fn(s); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
