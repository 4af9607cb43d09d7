package referral_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
)

func kinds(report *referral.IntegrityReport) []referral.ViolationKind {
	out := make([]referral.ViolationKind, 0, len(report.Violations))
	for _, v := range report.Violations {
		out = append(out, v.Kind)
	}
	return out
}

func TestIntegrity_CleanAfterActivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: Purchases, surgery and a withdrawal
		root := f.user("rootuser", nil)
		a := f.user("usera", root)
		b := f.leaf("userb", a)
		f.buy(b, f.starterPackage())
		_, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)
		_, err = f.request(f.reload(root), "5")
		require.NoError(t, err)

		// WHEN: The audit runs
		report, err := f.svc.Integrity(f.ctx)

		// THEN: Everything checks out
		require.NoError(t, err)
		assert.True(t, report.OK(), "violations: %v", report.Violations)
		assert.Equal(t, 3, report.CheckedUsers)
		assert.Equal(t, 3, report.CheckedHistory)
		assert.Equal(t, 2, report.CheckedCommissions)
	})
}

func TestIntegrity_DetectsCorruption(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		root := f.user("rootuser", nil)
		a := f.user("usera", root)
		b := f.leaf("userb", a)
		f.requireIntegrity()

		// A counter that drifted
		require.NoError(t, f.st.AdjustDirectReferrals(f.ctx, root.ID, 1, time.Now()))
		// A path that skips a generation
		require.NoError(t, f.st.UpdateLineage(f.ctx, b.ID, b.ParentID, ids(root), time.Now()))
		// A history row whose arithmetic is wrong
		require.NoError(t, f.st.AppendBalanceHistory(f.ctx, referral.BalanceHistoryEntry{
			ID:            "bad-row",
			UserID:        a.ID,
			Type:          referral.HistoryCommission,
			Amount:        decimal.NewFromInt(10),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.NewFromInt(11),
			CreatedAt:     time.Date(2025, time.March, 2, 0, 0, 0, 0, time.UTC),
		}))

		report, err := f.svc.Integrity(f.ctx)
		require.NoError(t, err)

		assert.False(t, report.OK())
		assert.ElementsMatch(t, []referral.ViolationKind{
			referral.ViolationDirectReferrals,
			referral.ViolationAncestors,
			referral.ViolationHistoryMath,
		}, kinds(report))
		for _, v := range report.Violations {
			switch v.Kind {
			case referral.ViolationDirectReferrals:
				assert.Equal(t, string(root.ID), v.Subject)
			case referral.ViolationAncestors:
				assert.Equal(t, string(b.ID), v.Subject)
			case referral.ViolationHistoryMath:
				assert.Equal(t, "bad-row", v.Subject)
			}
		}
	})
}
