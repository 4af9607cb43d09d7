package referral

import (
	"context"
	"fmt"
)

// ViolationKind names the invariant a Violation breaks.
type ViolationKind string

const (
	ViolationAncestors       ViolationKind = "ancestors"
	ViolationDeletedParent   ViolationKind = "deleted_parent"
	ViolationDirectReferrals ViolationKind = "direct_referrals"
	ViolationNegativeBalance ViolationKind = "negative_balance"
	ViolationHistoryMath     ViolationKind = "history_arithmetic"
	ViolationDuplicateLevel  ViolationKind = "duplicate_commission"
)

type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Subject string        `json:"subject"`
	Message string        `json:"message"`
}

type IntegrityReport struct {
	CheckedUsers       int
	CheckedHistory     int
	CheckedCommissions int
	Violations         []Violation
}

func (r *IntegrityReport) OK() bool { return len(r.Violations) == 0 }

func (r *IntegrityReport) add(kind ViolationKind, subject any, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Kind:    kind,
		Subject: fmt.Sprint(subject),
		Message: fmt.Sprintf(format, args...),
	})
}

// CheckIntegrity re-verifies the graph and ledger invariants over the whole
// store. It only reads; nothing is repaired.
func CheckIntegrity(ctx context.Context, st Store) (*IntegrityReport, error) {
	users, err := st.ListUsers(ctx, true)
	if err != nil {
		return nil, err
	}
	history, err := st.ListBalanceHistory(ctx, "")
	if err != nil {
		return nil, err
	}
	commissions, err := st.ListCommissions(ctx, CommissionFilter{})
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		CheckedUsers:       len(users),
		CheckedHistory:     len(history),
		CheckedCommissions: len(commissions),
	}

	byID := make(map[UserID]User, len(users))
	liveChildren := make(map[UserID]int)
	for _, u := range users {
		byID[u.ID] = u
		if !u.IsDeleted && u.ParentID != nil {
			liveChildren[*u.ParentID]++
		}
	}

	for _, u := range users {
		if u.IsDeleted {
			continue
		}
		if u.WalletBalance.IsNegative() {
			report.add(ViolationNegativeBalance, u.ID, "wallet balance is %s", u.WalletBalance)
		}
		if got := liveChildren[u.ID]; got != u.DirectReferrals {
			report.add(ViolationDirectReferrals, u.ID,
				"direct_referrals is %d but %d live users name it as parent", u.DirectReferrals, got)
		}
		checkLineage(report, u, byID)
	}

	for _, h := range history {
		if !h.BalanceBefore.Add(h.Amount).Equal(h.BalanceAfter) {
			report.add(ViolationHistoryMath, h.ID, "%s + %s != %s", h.BalanceBefore, h.Amount, h.BalanceAfter)
		}
	}

	type key struct {
		tx    TransactionID
		level CommissionLevel
	}
	seen := make(map[key]bool, len(commissions))
	for _, c := range commissions {
		k := key{c.TransactionID, c.Level}
		if seen[k] {
			report.add(ViolationDuplicateLevel, c.TransactionID, "more than one level %d commission", c.Level)
		}
		seen[k] = true
	}
	return report, nil
}

func checkLineage(report *IntegrityReport, u User, byID map[UserID]User) {
	if u.ParentID == nil {
		if len(u.Ancestors) != 0 {
			report.add(ViolationAncestors, u.ID, "root has ancestors %v", u.Ancestors)
		}
		return
	}
	parent, ok := byID[*u.ParentID]
	if !ok {
		report.add(ViolationAncestors, u.ID, "parent %s does not exist", *u.ParentID)
		return
	}
	if parent.IsDeleted {
		report.add(ViolationDeletedParent, u.ID, "parent %s is deleted", parent.ID)
	}
	if len(u.Ancestors) == 0 || u.Ancestors[0] != parent.ID {
		report.add(ViolationAncestors, u.ID, "ancestors %v do not start with parent %s", u.Ancestors, parent.ID)
		return
	}
	if !equalPaths(u.Ancestors[1:], parent.Ancestors) {
		report.add(ViolationAncestors, u.ID, "ancestors %v do not extend parent path %v", u.Ancestors, parent.Ancestors)
	}
}

func equalPaths(a, b []UserID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
