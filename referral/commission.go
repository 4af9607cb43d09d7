/*
commission.go - Two-level (F1/F2) commission engine

PURPOSE:
  Credits the buyer's parent (F1, level 1) and grandparent (F2, level 2)
  a percentage of the order amount when a package is paid for.

ALGORITHM:
  payees = buyer.Ancestors[:2]        (nearest first, may be shorter)
  for level, payee in payees:
      rate   = snapshot.CommissionLv{level}
      amount = order * rate / 100
      Commission row (credited, package snapshot)
      wallet += amount, earnings += amount, BalanceHistory(+amount)
      Transaction(type=commission)

  A root buyer credits nothing. A buyer whose parent is a root credits only
  level 1. Neither case is an error.

EXACTLY ONCE:
  The engine runs inside the purchase unit of work, which is gated by the
  one-package-per-user rule and global tx hash de-duplication. The store
  also rejects a second commission for the same (transaction, level), so a
  double invocation rolls back instead of paying twice.

ADMIN ASSIGNMENTS:
  Packages granted by an admin never reach this engine (see purchase.go).

SEE ALSO:
  - purchase.go: the only caller
  - ledger.go: post(), the balance mutation helper
*/
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/metrics"
)

var hundred = decimal.NewFromInt(100)

// commissionScale is the number of decimal places kept on credited amounts.
const commissionScale = 8

type CommissionEngine struct {
	log logrus.FieldLogger
	now func() time.Time
}

// Amount computes the commission for one level of an order.
func (e *CommissionEngine) Amount(order decimal.Decimal, snap PackageSnapshot, level CommissionLevel) decimal.Decimal {
	return order.Mul(snap.RateFor(level)).Div(hundred).Round(commissionScale)
}

// Credit pays the buyer's ancestors for payment. st must be the Store of the
// enclosing unit of work.
func (e *CommissionEngine) Credit(ctx context.Context, st Store, payment Transaction, snap PackageSnapshot) ([]Commission, error) {
	buyer, err := st.GetUser(ctx, payment.UserID)
	if err != nil {
		return nil, err
	}
	if !buyer.HasParent() {
		e.log.WithField("buyer_id", buyer.ID).Debug("buyer is a root, no commissions")
		return nil, nil
	}

	payees := buyer.Ancestors
	if len(payees) > MaxCommissionLevel {
		payees = payees[:MaxCommissionLevel]
	}

	credited := make([]Commission, 0, len(payees))
	for i, payeeID := range payees {
		level := CommissionLevel(i + 1)
		c, err := e.creditLevel(ctx, st, payment, snap, level, payeeID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			credited = append(credited, *c)
		}
	}
	return credited, nil
}

func (e *CommissionEngine) creditLevel(
	ctx context.Context,
	st Store,
	payment Transaction,
	snap PackageSnapshot,
	level CommissionLevel,
	payeeID UserID,
) (*Commission, error) {
	payee, err := st.GetUser(ctx, payeeID)
	if err != nil {
		return nil, err
	}
	if payee.IsDeleted {
		e.log.WithFields(logrus.Fields{"payee_id": payeeID, "level": level}).
			Warn("ancestor is deleted, skipping commission")
		return nil, nil
	}

	amount := e.Amount(payment.Amount, snap, level)
	if !amount.IsPositive() {
		return nil, nil
	}

	now := e.now()
	c := Commission{
		ID:            uuid.NewString(),
		UserID:        payee.ID,
		BuyerID:       payment.UserID,
		TransactionID: payment.ID,
		Level:         level,
		Amount:        amount,
		Percentage:    snap.RateFor(level),
		OrderAmount:   payment.Amount,
		Status:        CommissionCredited,
		PackageInfo:   snap,
		CreatedAt:     now,
	}
	if err := st.CreateCommission(ctx, c); err != nil {
		return nil, err
	}

	description := fmt.Sprintf("F%d commission from %s", level, snap.Name)
	if _, err := post(ctx, st, posting{
		UserID:        payee.ID,
		Type:          HistoryCommission,
		Amount:        amount,
		Earnings:      amount,
		ReferenceType: "commission",
		ReferenceID:   c.ID,
		Description:   description,
	}, now); err != nil {
		return nil, err
	}

	pkgID := snap.PackageID
	if err := st.CreateTransaction(ctx, Transaction{
		ID:          TransactionID(uuid.NewString()),
		UserID:      payee.ID,
		Type:        TxCommission,
		Amount:      amount,
		Status:      TxStatusCompleted,
		PackageID:   &pkgID,
		PackageInfo: &snap,
		ReferenceID: c.ID,
		Description: description,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	e.log.WithFields(logrus.Fields{
		"payee_id":       payee.ID,
		"buyer_id":       payment.UserID,
		"transaction_id": payment.ID,
		"level":          level,
		"amount":         amount.String(),
	}).Info("commission credited")
	return &c, nil
}

func recordCommissions(cs []Commission) {
	for _, c := range cs {
		metrics.RecordCommission(int(c.Level), c.Amount.InexactFloat64())
	}
}
