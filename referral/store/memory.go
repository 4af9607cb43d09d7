// Package store provides an in-memory referral.TxStore for tests and dev runs.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes every unit of work behind one lock. WithTx runs fn
// against a private copy of the state and swaps it in only on success.
type Memory struct {
	mu   sync.RWMutex
	data *state
}

var (
	_ referral.TxStore = (*Memory)(nil)
	_ referral.Store   = (*view)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: newState()}
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newState()
	return nil
}

// WithTx executes fn against a snapshot. On error the snapshot is discarded.
func (m *Memory) WithTx(_ context.Context, fn func(referral.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.data.clone()
	if err := fn(&view{s: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (m *Memory) reading(fn func(v *view) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&view{s: m.data})
}

// writing runs a single write as its own unit of work.
func (m *Memory) writing(ctx context.Context, fn func(v *view) error) error {
	return m.WithTx(ctx, func(st referral.Store) error { return fn(st.(*view)) })
}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	users           map[referral.UserID]*referral.User
	userOrder       []referral.UserID
	packages        map[referral.PackageID]referral.Package
	packageOrder    []referral.PackageID
	commissions     []referral.Commission
	history         []referral.BalanceHistoryEntry
	transactions    []referral.Transaction
	withdrawals     map[referral.WithdrawalID]referral.Withdrawal
	withdrawalOrder []referral.WithdrawalID
	audit           []referral.AuditEntry
}

func newState() *state {
	return &state{
		users:       make(map[referral.UserID]*referral.User),
		packages:    make(map[referral.PackageID]referral.Package),
		withdrawals: make(map[referral.WithdrawalID]referral.Withdrawal),
	}
}

// clone copies everything mutable. Ledger rows are immutable once appended,
// so the slices are copied shallowly.
func (s *state) clone() *state {
	c := &state{
		users:           make(map[referral.UserID]*referral.User, len(s.users)),
		userOrder:       append([]referral.UserID{}, s.userOrder...),
		packages:        make(map[referral.PackageID]referral.Package, len(s.packages)),
		packageOrder:    append([]referral.PackageID{}, s.packageOrder...),
		commissions:     append([]referral.Commission{}, s.commissions...),
		history:         append([]referral.BalanceHistoryEntry{}, s.history...),
		transactions:    append([]referral.Transaction{}, s.transactions...),
		withdrawals:     make(map[referral.WithdrawalID]referral.Withdrawal, len(s.withdrawals)),
		withdrawalOrder: append([]referral.WithdrawalID{}, s.withdrawalOrder...),
		audit:           append([]referral.AuditEntry{}, s.audit...),
	}
	for id, u := range s.users {
		cu := u.Clone()
		c.users[id] = &cu
	}
	for id, p := range s.packages {
		c.packages[id] = p
	}
	for id, w := range s.withdrawals {
		c.withdrawals[id] = w
	}
	return c
}

// view is the unlocked Store over one state. The caller holds the lock.
type view struct {
	s *state
}

// =============================================================================
// USERS
// =============================================================================

func (v *view) CreateUser(_ context.Context, u *referral.User) error {
	if _, ok := v.s.users[u.ID]; ok {
		return &referral.DuplicateIdentityError{Field: "id", Value: string(u.ID)}
	}
	for _, id := range v.s.userOrder {
		existing := v.s.users[id]
		if existing.IsDeleted {
			continue
		}
		if field, value := collision(existing, u); field != "" {
			return &referral.DuplicateIdentityError{Field: field, Value: value}
		}
	}
	c := u.Clone()
	v.s.users[u.ID] = &c
	v.s.userOrder = append(v.s.userOrder, u.ID)
	return nil
}

func collision(a, b *referral.User) (string, string) {
	switch {
	case a.Email == b.Email:
		return "email", b.Email
	case a.Username == b.Username:
		return "username", b.Username
	case a.RefCode == b.RefCode:
		return "ref_code", b.RefCode
	case b.WalletAddress != "" && a.WalletAddress == b.WalletAddress:
		return "wallet_address", b.WalletAddress
	case b.IdentityNumber != "" && a.IdentityNumber == b.IdentityNumber:
		return "identity_number", b.IdentityNumber
	}
	return "", ""
}

func (v *view) user(id referral.UserID) (*referral.User, error) {
	u, ok := v.s.users[id]
	if !ok {
		return nil, &referral.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, nil
}

func (v *view) GetUser(_ context.Context, id referral.UserID) (*referral.User, error) {
	u, err := v.user(id)
	if err != nil {
		return nil, err
	}
	c := u.Clone()
	return &c, nil
}

func (v *view) FindUserByRefCode(_ context.Context, code string) (*referral.User, error) {
	for _, id := range v.s.userOrder {
		u := v.s.users[id]
		if !u.IsDeleted && u.RefCode == code {
			c := u.Clone()
			return &c, nil
		}
	}
	return nil, &referral.NotFoundError{Kind: "user", ID: code}
}

func (v *view) liveUsers(match func(u *referral.User) bool) []referral.User {
	out := []referral.User{}
	for _, id := range v.s.userOrder {
		u := v.s.users[id]
		if !u.IsDeleted && match(u) {
			out = append(out, u.Clone())
		}
	}
	return out
}

func (v *view) ListChildren(_ context.Context, parentID referral.UserID) ([]referral.User, error) {
	return v.liveUsers(func(u *referral.User) bool {
		return u.ParentID != nil && *u.ParentID == parentID
	}), nil
}

func (v *view) ListDescendants(_ context.Context, id referral.UserID) ([]referral.User, error) {
	return v.liveUsers(func(u *referral.User) bool {
		for _, a := range u.Ancestors {
			if a == id {
				return true
			}
		}
		return false
	}), nil
}

func (v *view) ListUsers(_ context.Context, includeDeleted bool) ([]referral.User, error) {
	out := []referral.User{}
	for _, id := range v.s.userOrder {
		u := v.s.users[id]
		if includeDeleted || !u.IsDeleted {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}

func (v *view) UpdateLineage(_ context.Context, id referral.UserID, parentID *referral.UserID, ancestors []referral.UserID, at time.Time) error {
	u, err := v.user(id)
	if err != nil {
		return err
	}
	if parentID != nil {
		p := *parentID
		u.ParentID = &p
	} else {
		u.ParentID = nil
	}
	u.Ancestors = append([]referral.UserID{}, ancestors...)
	u.UpdatedAt = at
	return nil
}

func (v *view) AdjustDirectReferrals(_ context.Context, id referral.UserID, delta int, at time.Time) error {
	u, err := v.user(id)
	if err != nil {
		return err
	}
	u.DirectReferrals += delta
	if u.DirectReferrals < 0 {
		u.DirectReferrals = 0
	}
	u.UpdatedAt = at
	return nil
}

func (v *view) AdjustBalance(_ context.Context, id referral.UserID, delta referral.BalanceDelta, at time.Time) (referral.BalanceChange, error) {
	u, err := v.user(id)
	if err != nil {
		return referral.BalanceChange{}, err
	}
	change, err := referral.ApplyBalanceDelta(u, delta)
	if err != nil {
		return referral.BalanceChange{}, err
	}
	u.UpdatedAt = at
	return change, nil
}

func (v *view) MarkPackagePurchased(_ context.Context, id referral.UserID, packageID referral.PackageID, at time.Time) error {
	u, err := v.user(id)
	if err != nil {
		return err
	}
	u.PackagesPurchased++
	p := packageID
	u.ActivePackageID = &p
	u.UpdatedAt = at
	return nil
}

func (v *view) SoftDeleteUser(_ context.Context, id referral.UserID, at time.Time) error {
	u, err := v.user(id)
	if err != nil {
		return err
	}
	u.IsDeleted = true
	u.DeletedAt = &at
	u.DirectReferrals = 0
	u.UpdatedAt = at
	return nil
}

// =============================================================================
// PACKAGES
// =============================================================================

func (v *view) SavePackage(_ context.Context, p referral.Package) error {
	if _, ok := v.s.packages[p.ID]; !ok {
		v.s.packageOrder = append(v.s.packageOrder, p.ID)
	}
	v.s.packages[p.ID] = p
	return nil
}

func (v *view) GetPackage(_ context.Context, id referral.PackageID) (*referral.Package, error) {
	p, ok := v.s.packages[id]
	if !ok {
		return nil, &referral.NotFoundError{Kind: "package", ID: string(id)}
	}
	return &p, nil
}

func (v *view) ListPackages(_ context.Context) ([]referral.Package, error) {
	out := make([]referral.Package, 0, len(v.s.packageOrder))
	for _, id := range v.s.packageOrder {
		out = append(out, v.s.packages[id])
	}
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (v *view) CreateCommission(_ context.Context, c referral.Commission) error {
	for _, existing := range v.s.commissions {
		if existing.TransactionID == c.TransactionID && existing.Level == c.Level {
			return fmt.Errorf("%w: transaction %s level %d", referral.ErrDuplicateCommission, c.TransactionID, c.Level)
		}
	}
	v.s.commissions = append(v.s.commissions, c)
	return nil
}

func (v *view) ListCommissions(_ context.Context, f referral.CommissionFilter) ([]referral.Commission, error) {
	out := []referral.Commission{}
	for _, c := range v.s.commissions {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.BuyerID != "" && c.BuyerID != f.BuyerID {
			continue
		}
		if f.TransactionID != "" && c.TransactionID != f.TransactionID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (v *view) AppendBalanceHistory(_ context.Context, e referral.BalanceHistoryEntry) error {
	v.s.history = append(v.s.history, e)
	return nil
}

func (v *view) ListBalanceHistory(_ context.Context, userID referral.UserID) ([]referral.BalanceHistoryEntry, error) {
	out := []referral.BalanceHistoryEntry{}
	for _, e := range v.s.history {
		if userID == "" || e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (v *view) CreateTransaction(ctx context.Context, t referral.Transaction) error {
	if t.Type == referral.TxPayment && t.TxHash != "" {
		exists, err := v.PaymentHashExists(ctx, t.TxHash)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", referral.ErrDuplicateTxHash, t.TxHash)
		}
	}
	v.s.transactions = append(v.s.transactions, t)
	return nil
}

func (v *view) ListTransactions(_ context.Context, userID referral.UserID) ([]referral.Transaction, error) {
	out := []referral.Transaction{}
	for _, t := range v.s.transactions {
		if userID == "" || t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (v *view) HasCompletedPayment(_ context.Context, userID referral.UserID) (bool, error) {
	for _, t := range v.s.transactions {
		if t.UserID == userID && t.Type == referral.TxPayment && t.Status == referral.TxStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (v *view) PaymentHashExists(_ context.Context, hash string) (bool, error) {
	for _, t := range v.s.transactions {
		if t.Type == referral.TxPayment && t.TxHash == hash {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (v *view) CreateWithdrawal(_ context.Context, w referral.Withdrawal) error {
	if _, ok := v.s.withdrawals[w.ID]; ok {
		return fmt.Errorf("withdrawal %s already exists", w.ID)
	}
	v.s.withdrawals[w.ID] = w
	v.s.withdrawalOrder = append(v.s.withdrawalOrder, w.ID)
	return nil
}

func (v *view) GetWithdrawal(_ context.Context, id referral.WithdrawalID) (*referral.Withdrawal, error) {
	w, ok := v.s.withdrawals[id]
	if !ok {
		return nil, &referral.NotFoundError{Kind: "withdrawal", ID: string(id)}
	}
	return &w, nil
}

func (v *view) ListWithdrawals(_ context.Context, f referral.WithdrawalFilter) ([]referral.Withdrawal, error) {
	out := []referral.Withdrawal{}
	for _, id := range v.s.withdrawalOrder {
		w := v.s.withdrawals[id]
		if f.UserID != "" && w.UserID != f.UserID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (v *view) TransitionWithdrawal(_ context.Context, w referral.Withdrawal, from referral.WithdrawalStatus) error {
	current, ok := v.s.withdrawals[w.ID]
	if !ok {
		return &referral.NotFoundError{Kind: "withdrawal", ID: string(w.ID)}
	}
	if current.Status != from {
		return &referral.InvalidStateError{WithdrawalID: w.ID, Current: current.Status, Expected: from}
	}
	v.s.withdrawals[w.ID] = w
	return nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (v *view) AppendAudit(_ context.Context, e referral.AuditEntry) error {
	v.s.audit = append(v.s.audit, e)
	return nil
}

// ListAudit returns matching entries, newest first.
func (v *view) ListAudit(_ context.Context, f referral.AuditFilter) ([]referral.AuditEntry, error) {
	out := []referral.AuditEntry{}
	for i := len(v.s.audit) - 1; i >= 0; i-- {
		e := v.s.audit[i]
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// LOCKED WRAPPERS - Store methods on Memory outside a unit of work
// =============================================================================

func (m *Memory) CreateUser(ctx context.Context, u *referral.User) error {
	return m.writing(ctx, func(v *view) error { return v.CreateUser(ctx, u) })
}

func (m *Memory) GetUser(ctx context.Context, id referral.UserID) (u *referral.User, err error) {
	err = m.reading(func(v *view) error {
		u, err = v.GetUser(ctx, id)
		return err
	})
	return u, err
}

func (m *Memory) FindUserByRefCode(ctx context.Context, code string) (u *referral.User, err error) {
	err = m.reading(func(v *view) error {
		u, err = v.FindUserByRefCode(ctx, code)
		return err
	})
	return u, err
}

func (m *Memory) ListChildren(ctx context.Context, parentID referral.UserID) (us []referral.User, err error) {
	err = m.reading(func(v *view) error {
		us, err = v.ListChildren(ctx, parentID)
		return err
	})
	return us, err
}

func (m *Memory) ListDescendants(ctx context.Context, id referral.UserID) (us []referral.User, err error) {
	err = m.reading(func(v *view) error {
		us, err = v.ListDescendants(ctx, id)
		return err
	})
	return us, err
}

func (m *Memory) ListUsers(ctx context.Context, includeDeleted bool) (us []referral.User, err error) {
	err = m.reading(func(v *view) error {
		us, err = v.ListUsers(ctx, includeDeleted)
		return err
	})
	return us, err
}

func (m *Memory) UpdateLineage(ctx context.Context, id referral.UserID, parentID *referral.UserID, ancestors []referral.UserID, at time.Time) error {
	return m.writing(ctx, func(v *view) error { return v.UpdateLineage(ctx, id, parentID, ancestors, at) })
}

func (m *Memory) AdjustDirectReferrals(ctx context.Context, id referral.UserID, delta int, at time.Time) error {
	return m.writing(ctx, func(v *view) error { return v.AdjustDirectReferrals(ctx, id, delta, at) })
}

func (m *Memory) AdjustBalance(ctx context.Context, id referral.UserID, delta referral.BalanceDelta, at time.Time) (c referral.BalanceChange, err error) {
	err = m.writing(ctx, func(v *view) error {
		c, err = v.AdjustBalance(ctx, id, delta, at)
		return err
	})
	return c, err
}

func (m *Memory) MarkPackagePurchased(ctx context.Context, id referral.UserID, packageID referral.PackageID, at time.Time) error {
	return m.writing(ctx, func(v *view) error { return v.MarkPackagePurchased(ctx, id, packageID, at) })
}

func (m *Memory) SoftDeleteUser(ctx context.Context, id referral.UserID, at time.Time) error {
	return m.writing(ctx, func(v *view) error { return v.SoftDeleteUser(ctx, id, at) })
}

func (m *Memory) SavePackage(ctx context.Context, p referral.Package) error {
	return m.writing(ctx, func(v *view) error { return v.SavePackage(ctx, p) })
}

func (m *Memory) GetPackage(ctx context.Context, id referral.PackageID) (p *referral.Package, err error) {
	err = m.reading(func(v *view) error {
		p, err = v.GetPackage(ctx, id)
		return err
	})
	return p, err
}

func (m *Memory) ListPackages(ctx context.Context) (ps []referral.Package, err error) {
	err = m.reading(func(v *view) error {
		ps, err = v.ListPackages(ctx)
		return err
	})
	return ps, err
}

func (m *Memory) CreateCommission(ctx context.Context, c referral.Commission) error {
	return m.writing(ctx, func(v *view) error { return v.CreateCommission(ctx, c) })
}

func (m *Memory) ListCommissions(ctx context.Context, f referral.CommissionFilter) (cs []referral.Commission, err error) {
	err = m.reading(func(v *view) error {
		cs, err = v.ListCommissions(ctx, f)
		return err
	})
	return cs, err
}

func (m *Memory) AppendBalanceHistory(ctx context.Context, e referral.BalanceHistoryEntry) error {
	return m.writing(ctx, func(v *view) error { return v.AppendBalanceHistory(ctx, e) })
}

func (m *Memory) ListBalanceHistory(ctx context.Context, userID referral.UserID) (es []referral.BalanceHistoryEntry, err error) {
	err = m.reading(func(v *view) error {
		es, err = v.ListBalanceHistory(ctx, userID)
		return err
	})
	return es, err
}

func (m *Memory) CreateTransaction(ctx context.Context, t referral.Transaction) error {
	return m.writing(ctx, func(v *view) error { return v.CreateTransaction(ctx, t) })
}

func (m *Memory) ListTransactions(ctx context.Context, userID referral.UserID) (ts []referral.Transaction, err error) {
	err = m.reading(func(v *view) error {
		ts, err = v.ListTransactions(ctx, userID)
		return err
	})
	return ts, err
}

func (m *Memory) HasCompletedPayment(ctx context.Context, userID referral.UserID) (ok bool, err error) {
	err = m.reading(func(v *view) error {
		ok, err = v.HasCompletedPayment(ctx, userID)
		return err
	})
	return ok, err
}

func (m *Memory) PaymentHashExists(ctx context.Context, hash string) (ok bool, err error) {
	err = m.reading(func(v *view) error {
		ok, err = v.PaymentHashExists(ctx, hash)
		return err
	})
	return ok, err
}

func (m *Memory) CreateWithdrawal(ctx context.Context, w referral.Withdrawal) error {
	return m.writing(ctx, func(v *view) error { return v.CreateWithdrawal(ctx, w) })
}

func (m *Memory) GetWithdrawal(ctx context.Context, id referral.WithdrawalID) (w *referral.Withdrawal, err error) {
	err = m.reading(func(v *view) error {
		w, err = v.GetWithdrawal(ctx, id)
		return err
	})
	return w, err
}

func (m *Memory) ListWithdrawals(ctx context.Context, f referral.WithdrawalFilter) (ws []referral.Withdrawal, err error) {
	err = m.reading(func(v *view) error {
		ws, err = v.ListWithdrawals(ctx, f)
		return err
	})
	return ws, err
}

func (m *Memory) TransitionWithdrawal(ctx context.Context, w referral.Withdrawal, from referral.WithdrawalStatus) error {
	return m.writing(ctx, func(v *view) error { return v.TransitionWithdrawal(ctx, w, from) })
}

func (m *Memory) AppendAudit(ctx context.Context, e referral.AuditEntry) error {
	return m.writing(ctx, func(v *view) error { return v.AppendAudit(ctx, e) })
}

func (m *Memory) ListAudit(ctx context.Context, f referral.AuditFilter) (es []referral.AuditEntry, err error) {
	err = m.reading(func(v *view) error {
		es, err = v.ListAudit(ctx, f)
		return err
	})
	return es, err
}
