/*
Package referral implements the referral graph and commission ledger.

PURPOSE:
  Tracks each user's position in a referral tree, credits two-level (F1/F2)
  commissions when a validator package is purchased, keeps the wallet balance
  ledger consistent, and runs the withdrawal approval workflow. Admin tree
  surgery (soft delete, transfer) rewrites the tree without losing history.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: a tree vertex and a wallet account at the same time
  - Package / PackageSnapshot: what was sold, frozen at sale time
  - Commission: an immutable level-1 or level-2 credit
  - BalanceHistoryEntry: the authoritative audit row for every balance change
  - Transaction: display ledger row (payment, commission, withdrawal, refund)
  - Withdrawal: a request against the wallet balance

DESIGN PRINCIPLES:
  1. Materialized path: Ancestors is stored, never derived on read
  2. Precision: all money uses decimal.Decimal
  3. Soft delete: users are never removed, only flagged
  4. Snapshots: commissions and payments copy package terms at credit time

SEE ALSO:
  - graph.go: registration and ancestor queries
  - commission.go: the commission engine
  - surgery.go: delete and transfer
  - withdrawal.go: withdrawal state machine
*/
package referral

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type PackageID string
type TransactionID string
type WithdrawalID string

// =============================================================================
// USER - Tree vertex + wallet account
// =============================================================================

type User struct {
	ID               UserID
	Email            string
	Username         string
	RefCode          string
	PasswordHash     string
	WalletAddress    string
	IdentityNumber   string
	TwoFactorEnabled bool

	// Tree position. Ancestors is nearest-first: Ancestors[0] == *ParentID.
	ParentID        *UserID
	Ancestors       []UserID
	DirectReferrals int

	WalletBalance     decimal.Decimal
	TotalEarnings     decimal.Decimal
	PackagesPurchased int
	ActivePackageID   *PackageID

	IsDeleted bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) HasParent() bool { return u.ParentID != nil }

// Depth is the number of ancestors above the user (0 for roots).
func (u *User) Depth() int { return len(u.Ancestors) }

// IsActivated reports whether the user may sponsor new registrations.
func (u *User) IsActivated() bool {
	return u.PackagesPurchased > 0 || u.ActivePackageID != nil
}

// Clone returns a copy that shares no slices or pointers with u.
func (u User) Clone() User {
	c := u
	c.Ancestors = append([]UserID{}, u.Ancestors...)
	if u.ParentID != nil {
		p := *u.ParentID
		c.ParentID = &p
	}
	if u.ActivePackageID != nil {
		p := *u.ActivePackageID
		c.ActivePackageID = &p
	}
	if u.DeletedAt != nil {
		t := *u.DeletedAt
		c.DeletedAt = &t
	}
	return c
}

// =============================================================================
// PACKAGE - Validator package offered for sale
// =============================================================================

type Package struct {
	ID            PackageID
	Name          string
	Price         decimal.Decimal
	CommissionLv1 decimal.Decimal // percent of order amount paid to F1
	CommissionLv2 decimal.Decimal // percent of order amount paid to F2
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PackageSnapshot freezes package terms on the records that depend on them.
// Later edits or deletion of the package never change a snapshot.
type PackageSnapshot struct {
	PackageID     PackageID       `json:"package_id"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	CommissionLv1 decimal.Decimal `json:"commission_lv1"`
	CommissionLv2 decimal.Decimal `json:"commission_lv2"`
}

func (p Package) Snapshot() PackageSnapshot {
	return PackageSnapshot{
		PackageID:     p.ID,
		Name:          p.Name,
		Price:         p.Price,
		CommissionLv1: p.CommissionLv1,
		CommissionLv2: p.CommissionLv2,
	}
}

// RateFor returns the commission percentage for a level.
func (s PackageSnapshot) RateFor(level CommissionLevel) decimal.Decimal {
	switch level {
	case Level1:
		return s.CommissionLv1
	case Level2:
		return s.CommissionLv2
	default:
		return decimal.Zero
	}
}

// =============================================================================
// COMMISSION - Immutable credit to an ancestor
// =============================================================================

type CommissionLevel int

const (
	Level1 CommissionLevel = 1
	Level2 CommissionLevel = 2
)

// MaxCommissionLevel is how far up the ancestor chain commissions are paid.
const MaxCommissionLevel = 2

type CommissionStatus string

const (
	CommissionPending   CommissionStatus = "pending"
	CommissionCredited  CommissionStatus = "credited"
	CommissionWithdrawn CommissionStatus = "withdrawn"
)

type Commission struct {
	ID            string
	UserID        UserID // who earns
	BuyerID       UserID // who bought
	TransactionID TransactionID
	Level         CommissionLevel
	Amount        decimal.Decimal
	Percentage    decimal.Decimal
	OrderAmount   decimal.Decimal
	Status        CommissionStatus
	PackageInfo   PackageSnapshot
	CreatedAt     time.Time
}

// =============================================================================
// BALANCE HISTORY - Authoritative audit of balance changes
// =============================================================================

type HistoryType string

const (
	HistoryWithdrawal HistoryType = "withdrawal"
	HistoryCommission HistoryType = "commission"
	HistoryRefund     HistoryType = "refund"
	HistoryPayment    HistoryType = "payment"
)

// BalanceHistoryEntry is never updated after creation.
// INVARIANT: BalanceAfter == BalanceBefore + Amount.
type BalanceHistoryEntry struct {
	ID            string
	UserID        UserID
	Type          HistoryType
	Amount        decimal.Decimal // signed
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceType string
	ReferenceID   string
	Description   string
	CreatedAt     time.Time
}

// =============================================================================
// TRANSACTION - Display ledger row
// =============================================================================

type TransactionType string

const (
	TxPayment    TransactionType = "payment"
	TxCommission TransactionType = "commission"
	TxWithdrawal TransactionType = "withdrawal"
	TxRefund     TransactionType = "refund"
)

type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusCompleted TransactionStatus = "completed"
	TxStatusFailed    TransactionStatus = "failed"
)

type Transaction struct {
	ID          TransactionID
	UserID      UserID
	Type        TransactionType
	Amount      decimal.Decimal
	Status      TransactionStatus
	TxHash      string // empty for admin-assigned packages
	PackageID   *PackageID
	PackageInfo *PackageSnapshot
	ReferenceID string
	Description string
	CreatedAt   time.Time
}

// =============================================================================
// WITHDRAWAL - Request against the wallet balance
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalApproved  WithdrawalStatus = "approved"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalRejected  WithdrawalStatus = "rejected"
)

type Withdrawal struct {
	ID              WithdrawalID
	UserID          UserID
	Amount          decimal.Decimal
	WalletAddress   string
	Status          WithdrawalStatus
	TxHash          string
	RejectionReason string
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectedBy      string
	RejectedAt      *time.Time
	CompletedBy     string
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// =============================================================================
// AUDIT - Who did what to the tree or the ledger
// =============================================================================

// Actor identifies the admin (or system) behind a mutation.
type Actor struct {
	ID string
	IP string
}

var SystemActor = Actor{ID: "system"}

type AuditAction string

const (
	AuditDeleteUser         AuditAction = "delete_user"
	AuditTransferUser       AuditAction = "transfer_user"
	AuditAssignPackage      AuditAction = "assign_package"
	AuditApproveWithdrawal  AuditAction = "approve_withdrawal"
	AuditRejectWithdrawal   AuditAction = "reject_withdrawal"
	AuditCompleteWithdrawal AuditAction = "complete_withdrawal"
)

type AuditEntry struct {
	ID        string
	ActorID   string
	Action    AuditAction
	TargetID  string
	Detail    map[string]any
	IP        string
	CreatedAt time.Time
}
