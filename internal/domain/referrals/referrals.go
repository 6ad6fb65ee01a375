package referrals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/merdocx/veilbot-sub003/internal/dbx"

	"github.com/jackc/pgx/v5"
)

// Referral links a referred user back to their referrer. BonusIssued flips
// at most once, on the referred user's first settled payment.
type Referral struct {
	ID          int64     `json:"id"`
	ReferrerID  int64     `json:"referrer_id"`
	ReferredID  int64     `json:"referred_id"`
	BonusIssued bool      `json:"bonus_issued"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	// ClaimBonus marks the bonus issued, guarded by bonus_issued=FALSE so two
	// racing settlements credit the referrer exactly once. Returns the
	// referrer id and true only for the winning caller.
	ClaimBonus(ctx context.Context, referredID int64) (int64, bool, error)
}

type Repository struct{ q dbx.Querier }

func NewRepository(q dbx.Querier) *Repository { return &Repository{q: q} }

func (r *Repository) ClaimBonus(ctx context.Context, referredID int64) (int64, bool, error) {
	var referrerID int64
	err := r.q.QueryRow(ctx, `
		UPDATE referrals
		   SET bonus_issued=TRUE
		 WHERE referred_id=$1 AND NOT bonus_issued
		RETURNING referrer_id
	`, referredID).Scan(&referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim referral bonus: %w", err)
	}
	return referrerID, true, nil
}
