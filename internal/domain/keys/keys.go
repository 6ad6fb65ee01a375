package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/dbx"
)

// Key is the local record of an issued credential. The actual provisioning
// (creating the credential on a VPN server) happens through the issuance
// bridge; this table is what reconciliation checks against.
type Key struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	TariffID  int64     `json:"tariff_id"`
	PaymentID int64     `json:"payment_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Bonus     bool      `json:"bonus"`
	CreatedAt time.Time `json:"created_at"`
}

type Store interface {
	ExistsForPayment(ctx context.Context, paymentID, userID, tariffID int64) (bool, error)
	CountActiveForPayment(ctx context.Context, paymentID int64) (int, error)

	// ExtendActive pushes the expiry of the user's furthest-out active key.
	// Returns false when the user has no active key to extend.
	ExtendActive(ctx context.Context, userID int64, d time.Duration) (bool, error)

	// GrantBonus creates a minimal-tier key with no backing payment.
	GrantBonus(ctx context.Context, userID, tariffID int64, d time.Duration) (*Key, error)
}

type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

func (r *Repository) ExistsForPayment(ctx context.Context, paymentID, userID, tariffID int64) (bool, error) {
	var found bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM vpn_keys
			WHERE payment_id=$1 AND user_id=$2 AND tariff_id=$3
		)
	`, paymentID, userID, tariffID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check key exists: %w", err)
	}
	return found, nil
}

func (r *Repository) CountActiveForPayment(ctx context.Context, paymentID int64) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM vpn_keys
		WHERE payment_id=$1 AND expires_at > now()
	`, paymentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active keys: %w", err)
	}
	return n, nil
}

func (r *Repository) ExtendActive(ctx context.Context, userID int64, d time.Duration) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		UPDATE vpn_keys
		   SET expires_at = expires_at + $2::interval
		 WHERE id = (
			SELECT id FROM vpn_keys
			WHERE user_id=$1 AND expires_at > now()
			ORDER BY expires_at DESC LIMIT 1
		 )
	`, userID, d.String())
	if err != nil {
		return false, fmt.Errorf("extend active key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) GrantBonus(ctx context.Context, userID, tariffID int64, d time.Duration) (*Key, error) {
	k := Key{UserID: userID, TariffID: tariffID, Bonus: true}
	err := r.q.QueryRow(ctx, `
		INSERT INTO vpn_keys (user_id, tariff_id, payment_id, expires_at, bonus)
		VALUES ($1, $2, 0, now() + $3::interval, TRUE)
		RETURNING id, expires_at, created_at
	`, userID, tariffID, d.String()).Scan(&k.ID, &k.ExpiresAt, &k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("grant bonus key: %w", err)
	}
	return &k, nil
}
