/*
ledger.go - Balance ledger: every wallet change plus its audit row

PURPOSE:
  User.WalletBalance is the fast, mutable number. BalanceHistory is the
  append-only record that explains it. post() is the only code path that
  changes a wallet balance, and it always writes both in the same unit of
  work.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: history rows are never updated or deleted
  2. ARITHMETIC: BalanceAfter == BalanceBefore + Amount on every row
  3. NON-NEGATIVE: the store refuses changes that would drive a wallet below 0

EXAMPLE FLOW:
  1. F1 earns commission:   +10  (0 → 10)
  2. Requests withdrawal:   -8   (10 → 2)   funds held
  3. Admin rejects:         +8   (2 → 10)   refund

SEE ALSO:
  - commission.go, withdrawal.go: callers
  - integrity.go: re-checks invariant 2 across the whole table
*/
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// posting describes one balance change.
type posting struct {
	UserID        UserID
	Type          HistoryType
	Amount        decimal.Decimal // signed wallet delta
	Earnings      decimal.Decimal // added to TotalEarnings (commissions only)
	ReferenceType string
	ReferenceID   string
	Description   string
}

// post mutates the wallet and appends the matching history row. It must be
// called with the Store handed out by WithTx.
func post(ctx context.Context, st Store, p posting, at time.Time) (*BalanceHistoryEntry, error) {
	if p.Amount.IsZero() {
		return nil, fmt.Errorf("%w: zero balance posting for %s", ErrValidation, p.UserID)
	}

	change, err := st.AdjustBalance(ctx, p.UserID, BalanceDelta{Wallet: p.Amount, Earnings: p.Earnings}, at)
	if err != nil {
		return nil, err
	}

	entry := BalanceHistoryEntry{
		ID:            uuid.NewString(),
		UserID:        p.UserID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: change.Before,
		BalanceAfter:  change.After,
		ReferenceType: p.ReferenceType,
		ReferenceID:   p.ReferenceID,
		Description:   p.Description,
		CreatedAt:     at,
	}
	if err := st.AppendBalanceHistory(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ApplyBalanceDelta is the shared AdjustBalance arithmetic for store
// implementations.
func ApplyBalanceDelta(u *User, delta BalanceDelta) (BalanceChange, error) {
	before := u.WalletBalance
	after := before.Add(delta.Wallet)
	if after.IsNegative() {
		return BalanceChange{}, &InsufficientBalanceError{
			UserID:    u.ID,
			Available: before,
			Requested: delta.Wallet.Neg(),
		}
	}
	u.WalletBalance = after
	u.TotalEarnings = u.TotalEarnings.Add(delta.Earnings)
	return BalanceChange{Before: before, After: after}, nil
}
