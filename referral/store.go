/*
store.go - Persistence interface for the referral graph and ledger

PURPOSE:
  Defines the interface between the referral core and the database.
  Implementations: store/sqlite (production) and referral/store (in-memory).

KEY INTERFACES:
  Store:   every read and write the core needs
  TxStore: Store plus WithTx, the unit of work

UNIT OF WORK:
  Every multi-record mutation (commission credit, purchase, tree surgery,
  withdrawal transition) runs inside WithTx. Either every write lands or
  none does, so a failure never leaves counters or ancestors half-updated.
  Implementations serialize units of work, which also makes the read-then-
  write balance updates in AdjustBalance safe from lost updates.

LIVE vs DELETED:
  "Live" means IsDeleted == false. Lookups by code, children, descendants and
  identity uniqueness only consider live users. GetUser returns deleted users
  too so history can still be displayed.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - store/memory.go: in-memory implementation for tests and dev
*/
package referral

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	UserStore
	PackageStore
	LedgerStore
	WithdrawalStore
	AuditStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// USERS - Tree vertices
// =============================================================================

type UserStore interface {
	// CreateUser inserts a user. Returns DuplicateIdentityError when email,
	// username, ref code, wallet address or identity number collides with a
	// live user.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns the user, deleted or not. NotFoundError if missing.
	GetUser(ctx context.Context, id UserID) (*User, error)

	// FindUserByRefCode returns the live user owning the code.
	FindUserByRefCode(ctx context.Context, code string) (*User, error)

	// ListChildren returns live users whose parent is parentID.
	ListChildren(ctx context.Context, parentID UserID) ([]User, error)

	// ListDescendants returns live users whose ancestors contain id.
	ListDescendants(ctx context.Context, id UserID) ([]User, error)

	// ListUsers returns users ordered by creation time.
	ListUsers(ctx context.Context, includeDeleted bool) ([]User, error)

	// The mutators below stamp UpdatedAt with at.

	// UpdateLineage replaces the parent and ancestors of a user.
	UpdateLineage(ctx context.Context, id UserID, parentID *UserID, ancestors []UserID, at time.Time) error

	// AdjustDirectReferrals adds delta to the counter, floored at 0.
	AdjustDirectReferrals(ctx context.Context, id UserID, delta int, at time.Time) error

	// AdjustBalance adds the deltas to wallet balance and total earnings.
	// Returns InsufficientBalanceError if the wallet would go negative.
	AdjustBalance(ctx context.Context, id UserID, delta BalanceDelta, at time.Time) (BalanceChange, error)

	// MarkPackagePurchased increments PackagesPurchased and sets the active package.
	MarkPackagePurchased(ctx context.Context, id UserID, packageID PackageID, at time.Time) error

	// SoftDeleteUser flags the user deleted and resets its direct referral count.
	SoftDeleteUser(ctx context.Context, id UserID, at time.Time) error
}

type BalanceDelta struct {
	Wallet   decimal.Decimal
	Earnings decimal.Decimal
}

// BalanceChange is the wallet balance around one AdjustBalance call.
type BalanceChange struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

// =============================================================================
// PACKAGES
// =============================================================================

type PackageStore interface {
	SavePackage(ctx context.Context, p Package) error
	GetPackage(ctx context.Context, id PackageID) (*Package, error)
	ListPackages(ctx context.Context) ([]Package, error)
}

// =============================================================================
// LEDGER - Commissions, balance history, transactions (append-only)
// =============================================================================

type LedgerStore interface {
	// CreateCommission fails with ErrDuplicateCommission if the transaction
	// already has a commission at that level.
	CreateCommission(ctx context.Context, c Commission) error
	ListCommissions(ctx context.Context, filter CommissionFilter) ([]Commission, error)

	AppendBalanceHistory(ctx context.Context, e BalanceHistoryEntry) error
	ListBalanceHistory(ctx context.Context, userID UserID) ([]BalanceHistoryEntry, error)

	// CreateTransaction fails with ErrDuplicateTxHash if a payment with the
	// same non-empty hash exists.
	CreateTransaction(ctx context.Context, t Transaction) error
	ListTransactions(ctx context.Context, userID UserID) ([]Transaction, error)
	HasCompletedPayment(ctx context.Context, userID UserID) (bool, error)
	PaymentHashExists(ctx context.Context, hash string) (bool, error)
}

// CommissionFilter narrows ListCommissions. Zero values match everything.
type CommissionFilter struct {
	UserID        UserID
	BuyerID       UserID
	TransactionID TransactionID
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawal(ctx context.Context, id WithdrawalID) (*Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)

	// TransitionWithdrawal saves w only if the stored status still equals from.
	// Returns InvalidStateError otherwise.
	TransitionWithdrawal(ctx context.Context, w Withdrawal, from WithdrawalStatus) error
}

type WithdrawalFilter struct {
	UserID UserID
	Status WithdrawalStatus
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	ActorID  string
	TargetID string
	Actions  []AuditAction
	Limit    int
}

// Matches reports whether e passes the filter (used by the memory store).
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.TargetID != "" && e.TargetID != f.TargetID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}
