/*
errors.go - Centralized error types for the referral core

PURPOSE:
  All error types in one place. Callers match sentinels with errors.Is and
  pull details out of the structured errors with errors.As.

ERROR CATEGORIES:
  1. Lookup errors     - NotFound
  2. Business rules    - InvalidReferrer, InvalidTransfer, InvalidState,
                         InsufficientBalance, AlreadyPurchased, ...
  3. Identity          - DuplicateIdentity (collision among live users)
  4. Storage           - Persistence (never retried automatically)

USAGE:
  if errors.Is(err, referral.ErrInvalidTransfer) {
      var te *referral.InvalidTransferError
      errors.As(err, &te)
      log.Println(te.Reason)
  }

SEE ALSO:
  - api/handlers.go: maps these errors to HTTP status codes
  - store/sqlite/sqlite.go: wraps driver failures in PersistenceError
*/
package referral

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrInvalidReferrer     = errors.New("invalid referrer")
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrDuplicateIdentity   = errors.New("duplicate identity")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPersistence         = errors.New("persistence failure")

	// ErrInvalidCredentials is returned when a withdrawal request fails
	// password or second-factor re-verification.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAlreadyPurchased enforces one package per user, ever.
	ErrAlreadyPurchased = errors.New("user already holds a package")

	// ErrDuplicateTxHash is returned when a payment hash was already recorded.
	ErrDuplicateTxHash = errors.New("transaction hash already recorded")

	// ErrDuplicateCommission guards (transaction, level) uniqueness at the store.
	ErrDuplicateCommission = errors.New("commission already credited")

	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "user", "package", "withdrawal"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// InvalidReferrerError explains why a referral code cannot sponsor a registration.
type InvalidReferrerError struct {
	Code   string
	Reason string
}

func (e *InvalidReferrerError) Error() string {
	return fmt.Sprintf("invalid referrer %q: %s", e.Code, e.Reason)
}

func (e *InvalidReferrerError) Unwrap() error { return ErrInvalidReferrer }

type TransferReason string

const (
	TransferToSelf       TransferReason = "cannot transfer a user under itself"
	TransferSameParent   TransferReason = "new parent is already the current parent"
	TransferToDescendant TransferReason = "new parent is a descendant of the user"
)

// InvalidTransferError lists the failed transfer precondition.
type InvalidTransferError struct {
	UserID      UserID
	NewParentID UserID
	Reason      TransferReason
}

func (e *InvalidTransferError) Error() string {
	return fmt.Sprintf("invalid transfer of %s to %s: %s", e.UserID, e.NewParentID, e.Reason)
}

func (e *InvalidTransferError) Unwrap() error { return ErrInvalidTransfer }

// DuplicateIdentityError reports which identity field collided with a live user.
type DuplicateIdentityError struct {
	Field string // email, username, ref_code, wallet_address, identity_number
	Value string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("%s %q is already in use", e.Field, e.Value)
}

func (e *DuplicateIdentityError) Unwrap() error { return ErrDuplicateIdentity }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InvalidStateError is returned when a withdrawal is not in the state a
// transition requires. Current may be empty when the store lost a race.
type InvalidStateError struct {
	WithdrawalID WithdrawalID
	Current      WithdrawalStatus
	Expected     WithdrawalStatus
}

func (e *InvalidStateError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("withdrawal %s is no longer %s", e.WithdrawalID, e.Expected)
	}
	return fmt.Sprintf("withdrawal %s is %s, expected %s", e.WithdrawalID, e.Current, e.Expected)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// ValidationError rejects malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// PersistenceError wraps a storage failure. It matches ErrPersistence and
// still unwraps to the driver error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Persistence wraps err unless it is nil or already a domain error.
func Persistence(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidReferrer) ||
		errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidCredentials)
}

// IsConflict returns true if the request collides with existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrAlreadyPurchased) ||
		errors.Is(err, ErrDuplicateTxHash) ||
		errors.Is(err, ErrDuplicateCommission)
}

func isDomainError(err error) bool {
	return IsNotFound(err) || IsClientError(err) || IsConflict(err) || errors.Is(err, ErrPersistence)
}
