package referral

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Options configures a Service. Zero values are usable.
type Options struct {
	// RequireReferrer rejects registrations without a referral code.
	RequireReferrer bool

	// MinWithdrawal is the smallest amount a user may request.
	MinWithdrawal decimal.Decimal

	// SecondFactor verifies 2FA codes for users that enabled it.
	SecondFactor SecondFactor

	// PasswordCost is the bcrypt cost for new password hashes.
	PasswordCost int

	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Service bundles the referral components over one store.
type Service struct {
	Store       TxStore
	Graph       *Graph
	Packages    *Catalog
	Engine      *CommissionEngine
	Purchases   *Purchases
	Tree        *TreeSurgeon
	Withdrawals *WithdrawalDesk
}

func NewService(store TxStore, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.PasswordCost == 0 {
		opts.PasswordCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	engine := &CommissionEngine{log: opts.Logger, now: opts.Now}
	return &Service{
		Store: store,
		Graph: &Graph{
			store:           store,
			requireReferrer: opts.RequireReferrer,
			passwordCost:    opts.PasswordCost,
			log:             opts.Logger,
			now:             opts.Now,
		},
		Packages: &Catalog{store: store, now: opts.Now},
		Engine:   engine,
		Purchases: &Purchases{
			store:  store,
			engine: engine,
			log:    opts.Logger,
			now:    opts.Now,
		},
		Tree: &TreeSurgeon{store: store, log: opts.Logger, now: opts.Now},
		Withdrawals: &WithdrawalDesk{
			store:        store,
			secondFactor: opts.SecondFactor,
			minAmount:    opts.MinWithdrawal,
			log:          opts.Logger,
			now:          opts.Now,
		},
	}
}

// =============================================================================
// READ MODELS
// =============================================================================

func (s *Service) User(ctx context.Context, id UserID) (*User, error) {
	return s.Store.GetUser(ctx, id)
}

func (s *Service) Commissions(ctx context.Context, filter CommissionFilter) ([]Commission, error) {
	return s.Store.ListCommissions(ctx, filter)
}

func (s *Service) BalanceHistory(ctx context.Context, userID UserID) ([]BalanceHistoryEntry, error) {
	return s.Store.ListBalanceHistory(ctx, userID)
}

func (s *Service) Transactions(ctx context.Context, userID UserID) ([]Transaction, error) {
	return s.Store.ListTransactions(ctx, userID)
}

func (s *Service) Audit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return s.Store.ListAudit(ctx, filter)
}

func (s *Service) Integrity(ctx context.Context) (*IntegrityReport, error) {
	return CheckIntegrity(ctx, s.Store)
}
