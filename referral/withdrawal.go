/*
withdrawal.go - Withdrawal request lifecycle

PURPOSE:
  Users withdraw from their wallet balance; admins approve, reject and
  complete the request after paying out on-chain.

STATE MACHINE:
  ┌─────────┐  approve   ┌──────────┐  complete (tx hash)  ┌───────────┐
  │ pending │ ─────────▶ │ approved │ ───────────────────▶ │ completed │
  └─────────┘            └──────────┘                      └───────────┘
       │ reject (reason)
       ▼
  ┌──────────┐
  │ rejected │
  └──────────┘

  No transition skips a state. Anything else fails with InvalidStateError
  and changes nothing.

FUNDS:
  Request   debits the wallet immediately (BalanceHistory withdrawal, -amount).
            The funds are held, so other requests cannot overdraw.
  Approve   no balance effect
  Reject    credits the full amount back (BalanceHistory refund, +amount)
  Complete  no balance effect, records the payout Transaction

  Conservation: the amount is debited exactly once and restored at most once.

CONCURRENCY:
  Transitions are saved with a status-conditioned update, so two admins
  acting on the same request cannot both succeed.

SEE ALSO:
  - ledger.go: post()
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/referral-engine/metrics"
)

// SecondFactor verifies a 2FA code for a user that enabled it.
type SecondFactor interface {
	Verify(ctx context.Context, userID UserID, code string) (bool, error)
}

// SecondFactorFunc adapts a function to SecondFactor.
type SecondFactorFunc func(ctx context.Context, userID UserID, code string) (bool, error)

func (f SecondFactorFunc) Verify(ctx context.Context, userID UserID, code string) (bool, error) {
	return f(ctx, userID, code)
}

type WithdrawalDesk struct {
	store        TxStore
	secondFactor SecondFactor
	minAmount    decimal.Decimal
	log          logrus.FieldLogger
	now          func() time.Time
}

// WithdrawalRequest carries the re-verification secrets with the request.
// WalletAddress falls back to the user's stored address.
type WithdrawalRequest struct {
	UserID        UserID
	Amount        decimal.Decimal
	WalletAddress string
	Password      string
	TwoFactorCode string
}

// =============================================================================
// REQUEST
// =============================================================================

func (d *WithdrawalDesk) Request(ctx context.Context, in WithdrawalRequest) (*Withdrawal, error) {
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be greater than 0")
	}
	if d.minAmount.IsPositive() && in.Amount.LessThan(d.minAmount) {
		return nil, invalid("amount", "must be at least "+d.minAmount.String())
	}

	// Credentials are checked before the unit of work so bcrypt never runs
	// while the store is locked.
	user, err := liveUser(ctx, d.store, in.UserID)
	if err != nil {
		return nil, err
	}
	if err := d.verifyCredentials(ctx, user, in.Password, in.TwoFactorCode); err != nil {
		return nil, err
	}

	address := strings.TrimSpace(in.WalletAddress)
	if address == "" {
		address = user.WalletAddress
	}
	if address == "" {
		return nil, invalid("wallet_address", "is required")
	}

	now := d.now()
	w := Withdrawal{
		ID:            WithdrawalID(uuid.NewString()),
		UserID:        user.ID,
		Amount:        in.Amount,
		WalletAddress: address,
		Status:        WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = d.store.WithTx(ctx, func(st Store) error {
		// The user may have been deleted while bcrypt ran.
		if _, err := liveUser(ctx, st, w.UserID); err != nil {
			return err
		}
		if err := st.CreateWithdrawal(ctx, w); err != nil {
			return err
		}
		_, err := post(ctx, st, posting{
			UserID:        w.UserID,
			Type:          HistoryWithdrawal,
			Amount:        w.Amount.Neg(),
			ReferenceType: "withdrawal",
			ReferenceID:   string(w.ID),
			Description:   "withdrawal requested",
		}, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(WithdrawalPending))
	d.log.WithFields(logrus.Fields{
		"withdrawal_id": w.ID,
		"user_id":       w.UserID,
		"amount":        w.Amount.String(),
	}).Info("withdrawal requested")
	return &w, nil
}

func (d *WithdrawalDesk) verifyCredentials(ctx context.Context, u *User, password, code string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("%w: password mismatch", ErrInvalidCredentials)
		}
		return err
	}
	if !u.TwoFactorEnabled {
		return nil
	}
	if d.secondFactor == nil || code == "" {
		return fmt.Errorf("%w: two-factor code required", ErrInvalidCredentials)
	}
	ok, err := d.secondFactor.Verify(ctx, u.ID, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: two-factor code rejected", ErrInvalidCredentials)
	}
	return nil
}

// =============================================================================
// ADMIN TRANSITIONS
// =============================================================================

func (d *WithdrawalDesk) Approve(ctx context.Context, actor Actor, id WithdrawalID) (*Withdrawal, error) {
	return d.transition(ctx, actor, id, WithdrawalPending, WithdrawalApproved, AuditApproveWithdrawal, nil,
		func(_ Store, w *Withdrawal, now time.Time) error {
			w.ApprovedBy = actor.ID
			w.ApprovedAt = &now
			return nil
		})
}

// Reject refunds the held amount. reason is required.
func (d *WithdrawalDesk) Reject(ctx context.Context, actor Actor, id WithdrawalID, reason string) (*Withdrawal, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	return d.transition(ctx, actor, id, WithdrawalPending, WithdrawalRejected, AuditRejectWithdrawal,
		map[string]any{"reason": reason},
		func(st Store, w *Withdrawal, now time.Time) error {
			w.RejectionReason = reason
			w.RejectedBy = actor.ID
			w.RejectedAt = &now

			if _, err := post(ctx, st, posting{
				UserID:        w.UserID,
				Type:          HistoryRefund,
				Amount:        w.Amount,
				ReferenceType: "withdrawal",
				ReferenceID:   string(w.ID),
				Description:   "withdrawal rejected: " + reason,
			}, now); err != nil {
				return err
			}
			return st.CreateTransaction(ctx, Transaction{
				ID:          TransactionID(uuid.NewString()),
				UserID:      w.UserID,
				Type:        TxRefund,
				Amount:      w.Amount,
				Status:      TxStatusCompleted,
				ReferenceID: string(w.ID),
				Description: "withdrawal refund",
				CreatedAt:   now,
			})
		})
}

// Complete records the on-chain payout. txHash is required.
func (d *WithdrawalDesk) Complete(ctx context.Context, actor Actor, id WithdrawalID, txHash string) (*Withdrawal, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, invalid("tx_hash", "is required")
	}
	return d.transition(ctx, actor, id, WithdrawalApproved, WithdrawalCompleted, AuditCompleteWithdrawal,
		map[string]any{"tx_hash": txHash},
		func(st Store, w *Withdrawal, now time.Time) error {
			w.TxHash = txHash
			w.CompletedBy = actor.ID
			w.CompletedAt = &now
			return st.CreateTransaction(ctx, Transaction{
				ID:          TransactionID(uuid.NewString()),
				UserID:      w.UserID,
				Type:        TxWithdrawal,
				Amount:      w.Amount,
				Status:      TxStatusCompleted,
				TxHash:      txHash,
				ReferenceID: string(w.ID),
				Description: "withdrawal paid out",
				CreatedAt:   now,
			})
		})
}

func (d *WithdrawalDesk) transition(
	ctx context.Context,
	actor Actor,
	id WithdrawalID,
	from, to WithdrawalStatus,
	action AuditAction,
	detail map[string]any,
	apply func(st Store, w *Withdrawal, now time.Time) error,
) (*Withdrawal, error) {
	var saved Withdrawal
	err := d.store.WithTx(ctx, func(st Store) error {
		w, err := st.GetWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != from {
			return &InvalidStateError{WithdrawalID: id, Current: w.Status, Expected: from}
		}

		now := d.now()
		w.Status = to
		w.UpdatedAt = now
		if err := apply(st, w, now); err != nil {
			return err
		}
		if err := st.TransitionWithdrawal(ctx, *w, from); err != nil {
			return err
		}

		if detail == nil {
			detail = map[string]any{}
		}
		detail["from"] = string(from)
		detail["to"] = string(to)
		detail["amount"] = w.Amount.String()
		detail["user_id"] = string(w.UserID)
		saved = *w
		return audit(ctx, st, actor, action, string(id), detail, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordWithdrawal(string(to))
	d.log.WithFields(logrus.Fields{
		"actor_id":      actor.ID,
		"withdrawal_id": id,
		"status":        to,
	}).Info("withdrawal transitioned")
	return &saved, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (d *WithdrawalDesk) Get(ctx context.Context, id WithdrawalID) (*Withdrawal, error) {
	return d.store.GetWithdrawal(ctx, id)
}

func (d *WithdrawalDesk) List(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error) {
	return d.store.ListWithdrawals(ctx, filter)
}
