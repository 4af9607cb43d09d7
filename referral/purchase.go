/*
purchase.go - Package purchase and admin package assignment

PURPOSE:
  Turns a verified off-chain payment into a completed payment Transaction,
  activates the buyer, and runs the commission engine, all in one unit of
  work. Admins can also grant a package without payment; that path writes
  the same payment record (with no hash) but never pays commissions.

PRECONDITIONS (checked inside the unit of work):
  - buyer exists and is live
  - package exists (and is active, for purchases)
  - buyer holds no completed payment: one package per user, ever
  - tx hash is non-empty and has never been recorded for any user

PURCHASE FLOW:
  ┌───────────┐    ┌──────────────────┐    ┌──────────────┐    ┌────────────┐
  │ checks    │──▶ │ payment Tx       │──▶ │ activate     │──▶ │ commission │
  │ (above)   │    │ (snapshot, hash) │    │ buyer        │    │ engine     │
  └───────────┘    └──────────────────┘    └──────────────┘    └────────────┘

SEE ALSO:
  - commission.go: CommissionEngine.Credit
*/
package referral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/metrics"
)

type Purchases struct {
	store  TxStore
	engine *CommissionEngine
	log    logrus.FieldLogger
	now    func() time.Time
}

type PurchaseInput struct {
	UserID    UserID
	PackageID PackageID
	TxHash    string
}

type PurchaseResult struct {
	Payment     Transaction
	Commissions []Commission
}

func (p *Purchases) Purchase(ctx context.Context, in PurchaseInput) (*PurchaseResult, error) {
	hash := strings.TrimSpace(in.TxHash)
	if hash == "" {
		return nil, invalid("tx_hash", "is required")
	}

	var result PurchaseResult
	err := p.store.WithTx(ctx, func(st Store) error {
		buyer, pkg, err := p.checkEligible(ctx, st, in.UserID, in.PackageID)
		if err != nil {
			return err
		}
		if !pkg.Active {
			return invalid("package_id", "package is not on sale")
		}
		used, err := st.PaymentHashExists(ctx, hash)
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%w: %s", ErrDuplicateTxHash, hash)
		}

		payment, err := p.recordPayment(ctx, st, buyer, pkg, hash, "package purchase")
		if err != nil {
			return err
		}
		commissions, err := p.engine.Credit(ctx, st, payment, pkg.Snapshot())
		if err != nil {
			return err
		}
		result = PurchaseResult{Payment: payment, Commissions: commissions}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPackage("purchase")
	recordCommissions(result.Commissions)
	p.log.WithFields(logrus.Fields{
		"user_id":        in.UserID,
		"package_id":     in.PackageID,
		"transaction_id": result.Payment.ID,
		"amount":         result.Payment.Amount.String(),
		"commissions":    len(result.Commissions),
	}).Info("package purchased")
	return &result, nil
}

// AssignPackage grants a package without payment. It bypasses the commission
// engine.
func (p *Purchases) AssignPackage(ctx context.Context, actor Actor, userID UserID, packageID PackageID) (*Transaction, error) {
	var payment Transaction
	err := p.store.WithTx(ctx, func(st Store) error {
		user, pkg, err := p.checkEligible(ctx, st, userID, packageID)
		if err != nil {
			return err
		}
		payment, err = p.recordPayment(ctx, st, user, pkg, "", "package assigned by admin")
		if err != nil {
			return err
		}
		return audit(ctx, st, actor, AuditAssignPackage, string(userID), map[string]any{
			"package_id":     string(pkg.ID),
			"package_name":   pkg.Name,
			"price":          pkg.Price.String(),
			"transaction_id": string(payment.ID),
		}, payment.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordPackage("assigned")
	p.log.WithFields(logrus.Fields{
		"actor_id":   actor.ID,
		"user_id":    userID,
		"package_id": packageID,
	}).Info("package assigned")
	return &payment, nil
}

func (p *Purchases) checkEligible(ctx context.Context, st Store, userID UserID, packageID PackageID) (*User, *Package, error) {
	user, err := st.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user.IsDeleted {
		return nil, nil, notFound("user", userID)
	}
	pkg, err := st.GetPackage(ctx, packageID)
	if err != nil {
		return nil, nil, err
	}
	if user.PackagesPurchased > 0 {
		return nil, nil, fmt.Errorf("%w: user %s", ErrAlreadyPurchased, userID)
	}
	paid, err := st.HasCompletedPayment(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if paid {
		return nil, nil, fmt.Errorf("%w: user %s", ErrAlreadyPurchased, userID)
	}
	return user, pkg, nil
}

func (p *Purchases) recordPayment(ctx context.Context, st Store, user *User, pkg *Package, hash, description string) (Transaction, error) {
	now := p.now()
	snap := pkg.Snapshot()
	pkgID := pkg.ID
	payment := Transaction{
		ID:          TransactionID(uuid.NewString()),
		UserID:      user.ID,
		Type:        TxPayment,
		Amount:      pkg.Price,
		Status:      TxStatusCompleted,
		TxHash:      hash,
		PackageID:   &pkgID,
		PackageInfo: &snap,
		Description: description,
		CreatedAt:   now,
	}
	if err := st.CreateTransaction(ctx, payment); err != nil {
		return Transaction{}, err
	}
	if err := st.MarkPackagePurchased(ctx, user.ID, pkg.ID, now); err != nil {
		return Transaction{}, err
	}
	return payment, nil
}
