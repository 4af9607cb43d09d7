package referral_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// SOFT DELETE
// =============================================================================

func TestDelete_ChildrenMoveToGrandparent(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: B -> A -> (C1, C2), B has no other children
		b := f.user("userb", nil)
		a := f.user("usera", b)
		c1 := f.leaf("userc1", a)
		c2 := f.leaf("userc2", a)
		require.Equal(t, 1, f.reload(b).DirectReferrals)

		// WHEN: A is deleted
		res, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)

		// THEN: C1 and C2 now hang under B, which counts 2 referrals
		assert.ElementsMatch(t, ids(c1, c2), res.ReparentedChildren)
		for _, c := range []*referral.User{c1, c2} {
			got := f.reload(c)
			require.NotNil(t, got.ParentID)
			assert.Equal(t, b.ID, *got.ParentID)
			assert.Equal(t, ids(b), got.Ancestors)
		}
		assert.Equal(t, 2, f.reload(b).DirectReferrals)

		// AND: A is soft-deleted with its counter cleared
		gotA := f.reload(a)
		assert.True(t, gotA.IsDeleted)
		assert.NotNil(t, gotA.DeletedAt)
		assert.Equal(t, 0, gotA.DirectReferrals)

		f.requireIntegrity()
	})
}

func TestDelete_StampsRepairedUsersWithDeletionTime(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: B -> A -> (C1, C2)
		b := f.user("userb", nil)
		a := f.user("usera", b)
		c1 := f.leaf("userc1", a)
		c2 := f.leaf("userc2", a)

		// WHEN: A is deleted
		_, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)

		// THEN: Every row the deletion touched shares its timestamp
		gotA := f.reload(a)
		require.NotNil(t, gotA.DeletedAt)
		deletedAt := *gotA.DeletedAt
		for _, u := range []*referral.User{b, c1, c2} {
			got := f.reload(u)
			assert.True(t, deletedAt.Equal(got.UpdatedAt), "%s updated_at %v, want %v", u.Username, got.UpdatedAt, deletedAt)
		}
	})
}

func TestDelete_RepairsDeepDescendants(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: root -> a -> c -> g -> gg
		root := f.user("rootuser", nil)
		a := f.user("usera", root)
		c := f.user("userc", a)
		g := f.user("userg", c)
		gg := f.leaf("usergg", g)

		// WHEN: a is deleted
		res, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, res.RepairedDescendants)

		// THEN: No live path mentions a any more
		assert.Equal(t, ids(root), f.reload(c).Ancestors)
		assert.Equal(t, ids(c, root), f.reload(g).Ancestors)
		assert.Equal(t, ids(g, c, root), f.reload(gg).Ancestors)

		// AND: Commissions follow the repaired path
		res2 := f.buy(gg, f.starterPackage())
		require.Len(t, res2.Commissions, 2)
		assert.Equal(t, g.ID, res2.Commissions[0].UserID)
		assert.Equal(t, c.ID, res2.Commissions[1].UserID)

		f.requireIntegrity()
	})
}

func TestDelete_RootChildrenBecomeRoots(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		root := f.user("rootuser", nil)
		child := f.user("child", root)
		grandchild := f.leaf("grandchild", child)

		_, err := f.svc.Tree.Delete(f.ctx, admin, root.ID)
		require.NoError(t, err)

		gotChild := f.reload(child)
		assert.Nil(t, gotChild.ParentID)
		assert.Empty(t, gotChild.Ancestors)
		assert.Equal(t, ids(child), f.reload(grandchild).Ancestors)

		f.requireIntegrity()
	})
}

func TestDelete_Audited(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		b := f.user("userb", nil)
		a := f.user("usera", b)
		f.leaf("userc", a)

		_, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)

		entries, err := f.svc.Audit(f.ctx, referral.AuditFilter{
			Actions: []referral.AuditAction{referral.AuditDeleteUser},
		})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, string(a.ID), entries[0].TargetID)
		assert.Equal(t, admin.ID, entries[0].ActorID)
		assert.Equal(t, string(b.ID), entries[0].Detail["parent_id"])
	})
}

func TestDelete_AlreadyDeletedIsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		a := f.leaf("usera", nil)
		_, err := f.svc.Tree.Delete(f.ctx, admin, a.ID)
		require.NoError(t, err)

		_, err = f.svc.Tree.Delete(f.ctx, admin, a.ID)
		assert.True(t, referral.IsNotFound(err))

		_, err = f.svc.Tree.Delete(f.ctx, admin, "missing")
		assert.True(t, referral.IsNotFound(err))
	})
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer_WithoutChildren(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: B -> A -> D, and a separate root C
		b := f.user("userb", nil)
		c := f.user("userc", nil)
		a := f.user("usera", b)
		d := f.leaf("userd", a)

		// WHEN: A moves to C without its children
		res, err := f.svc.Tree.Transfer(f.ctx, admin, referral.TransferInput{
			UserID:      a.ID,
			NewParentID: c.ID,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.ChildCount)
		require.NotNil(t, res.OldParentID)
		assert.Equal(t, b.ID, *res.OldParentID)

		// THEN: A hangs under C, D stays behind under B
		gotA := f.reload(a)
		require.NotNil(t, gotA.ParentID)
		assert.Equal(t, c.ID, *gotA.ParentID)
		assert.Equal(t, ids(c), gotA.Ancestors)
		assert.Equal(t, 0, gotA.DirectReferrals)

		gotD := f.reload(d)
		require.NotNil(t, gotD.ParentID)
		assert.Equal(t, b.ID, *gotD.ParentID)
		assert.Equal(t, ids(b), gotD.Ancestors)

		// AND: B lost A and gained D, C gained A
		assert.Equal(t, 1, f.reload(b).DirectReferrals)
		assert.Equal(t, 1, f.reload(c).DirectReferrals)

		f.requireIntegrity()
	})
}

func TestTransfer_WithoutChildren_FromRoot(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: A is a root with child D
		a := f.user("usera", nil)
		c := f.user("userc", nil)
		d := f.leaf("userd", a)

		_, err := f.svc.Tree.Transfer(f.ctx, admin, referral.TransferInput{UserID: a.ID, NewParentID: c.ID})
		require.NoError(t, err)

		// THEN: D has no one to fall back to and becomes a root
		gotD := f.reload(d)
		assert.Nil(t, gotD.ParentID)
		assert.Empty(t, gotD.Ancestors)
		f.requireIntegrity()
	})
}

func TestTransfer_WithChildren(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: B -> A -> D -> E, and C under root R
		r := f.user("rootuser", nil)
		c := f.user("userc", r)
		b := f.user("userb", nil)
		a := f.user("usera", b)
		d := f.user("userd", a)
		e := f.leaf("usere", d)

		// WHEN: A's whole subtree moves under C
		res, err := f.svc.Tree.Transfer(f.ctx, admin, referral.TransferInput{
			UserID:           a.ID,
			NewParentID:      c.ID,
			MoveWithChildren: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, res.RepairedDescendants)

		// THEN: Every path in the subtree is rebased onto C's path
		assert.Equal(t, ids(c, r), f.reload(a).Ancestors)
		assert.Equal(t, ids(a, c, r), f.reload(d).Ancestors)
		assert.Equal(t, ids(d, a, c, r), f.reload(e).Ancestors)

		// AND: B -1, C +1, A keeps its child
		assert.Equal(t, 0, f.reload(b).DirectReferrals)
		assert.Equal(t, 1, f.reload(c).DirectReferrals)
		assert.Equal(t, 1, f.reload(a).DirectReferrals)

		// AND: Commissions from E now reach D and A only
		buy := f.buy(e, f.starterPackage())
		require.Len(t, buy.Commissions, 2)
		assert.Equal(t, d.ID, buy.Commissions[0].UserID)
		assert.Equal(t, a.ID, buy.Commissions[1].UserID)

		f.requireIntegrity()
	})
}

func TestTransfer_Rejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: B -> A -> D -> E
		b := f.user("userb", nil)
		a := f.user("usera", b)
		d := f.user("userd", a)
		e := f.leaf("usere", d)
		before := map[referral.UserID]*referral.User{}
		for _, u := range []*referral.User{a, b, d, e} {
			before[u.ID] = f.reload(u)
		}

		tests := []struct {
			name   string
			target referral.UserID
			reason referral.TransferReason
		}{
			{"to a grandchild", e.ID, referral.TransferToDescendant},
			{"to a child", d.ID, referral.TransferToDescendant},
			{"to itself", a.ID, referral.TransferToSelf},
			{"to the current parent", b.ID, referral.TransferSameParent},
		}
		for _, tt := range tests {
			for _, withChildren := range []bool{false, true} {
				_, err := f.svc.Tree.Transfer(f.ctx, admin, referral.TransferInput{
					UserID:           a.ID,
					NewParentID:      tt.target,
					MoveWithChildren: withChildren,
				})
				require.ErrorIs(t, err, referral.ErrInvalidTransfer, tt.name)
				var te *referral.InvalidTransferError
				require.ErrorAs(t, err, &te, tt.name)
				assert.Equal(t, tt.reason, te.Reason, tt.name)
			}
		}

		// THEN: No state changed
		for id, u := range before {
			got, err := f.st.GetUser(f.ctx, id)
			require.NoError(t, err)
			assert.Equal(t, u.ParentID, got.ParentID)
			assert.Equal(t, u.Ancestors, got.Ancestors)
			assert.Equal(t, u.DirectReferrals, got.DirectReferrals)
		}
		entries, err := f.svc.Audit(f.ctx, referral.AuditFilter{
			Actions: []referral.AuditAction{referral.AuditTransferUser},
		})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestTransfer_DeletedTargetIsNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		a := f.leaf("usera", nil)
		c := f.leaf("userc", nil)
		_, err := f.svc.Tree.Delete(f.ctx, admin, c.ID)
		require.NoError(t, err)

		_, err = f.svc.Tree.Transfer(f.ctx, admin, referral.TransferInput{UserID: a.ID, NewParentID: c.ID})
		assert.True(t, referral.IsNotFound(err))
	})
}

func TestTransfer_Audited(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		b := f.user("userb", nil)
		c := f.user("userc", nil)
		a := f.leaf("usera", b)

		_, err := f.svc.Tree.Transfer(f.ctx, referral.Actor{ID: "ops-7"}, referral.TransferInput{
			UserID: a.ID, NewParentID: c.ID, MoveWithChildren: true,
		})
		require.NoError(t, err)

		entries, err := f.svc.Audit(f.ctx, referral.AuditFilter{ActorID: "ops-7"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, referral.AuditTransferUser, entries[0].Action)
		assert.Equal(t, string(b.ID), entries[0].Detail["old_parent_id"])
		assert.Equal(t, string(c.ID), entries[0].Detail["new_parent_id"])
		assert.Equal(t, true, entries[0].Detail["move_with_children"])
	})
}
