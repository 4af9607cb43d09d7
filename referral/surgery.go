/*
surgery.go - Admin tree surgery: soft delete and transfer (re-parent)

PURPOSE:
  Restructures the referral tree while keeping every live user reachable
  and the graph invariant true for every node, not just the one touched.

SOFT DELETE of A (parent B, children C1..Cn):
      B                 B
      │               ┌─┴─┐
      A        ──▶    C1  C2        A: IsDeleted, DirectReferrals = 0
    ┌─┴─┐             │
    C1  C2            G             B.DirectReferrals += n - 1
    │
    G
  Every live descendant drops A from its ancestor path. Direct children
  take B as parent (or become roots when A was a root).

TRANSFER of A from B to C:
  moveWithChildren = true:
    A's subtree moves as a unit. Each descendant keeps the part of its path
    up to A and gets A's new path appended. B -1, C +1.
  moveWithChildren = false:
    A moves alone. A's children are re-parented to B exactly as in a delete
    (roots if B is absent). B += n - 1, C +1.

  Rejected with InvalidTransferError when C == A, C is already A's parent,
  or A appears in C's ancestor path (C is below A).

DEEP REPAIR:
  Ancestor paths are rewritten for every live descendant of A, so no stored
  path ever names a deleted node or a node that is no longer above it.

ATOMICITY:
  Each operation, counters, paths and the audit entry, runs in one unit of
  work. A failure leaves the tree untouched.

SEE ALSO:
  - graph.go: lineageUnder, the invariant definition
  - integrity.go: verifies the result
*/
package referral

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/metrics"
)

type TreeSurgeon struct {
	store TxStore
	log   logrus.FieldLogger
	now   func() time.Time
}

// =============================================================================
// SOFT DELETE
// =============================================================================

type DeleteResult struct {
	UserID              UserID
	ParentID            *UserID
	ReparentedChildren  []UserID
	RepairedDescendants int
}

// Delete soft-deletes a user and hoists its children to its parent.
func (t *TreeSurgeon) Delete(ctx context.Context, actor Actor, id UserID) (*DeleteResult, error) {
	var result DeleteResult
	err := t.store.WithTx(ctx, func(st Store) error {
		a, err := liveUser(ctx, st, id)
		if err != nil {
			return err
		}
		descendants, err := st.ListDescendants(ctx, a.ID)
		if err != nil {
			return err
		}

		now := t.now()
		children, err := hoist(ctx, st, a, descendants, now)
		if err != nil {
			return err
		}
		if a.ParentID != nil {
			if err := adjustReferrals(ctx, st, *a.ParentID, len(children)-1, now); err != nil {
				return err
			}
		}

		if err := st.SoftDeleteUser(ctx, a.ID, now); err != nil {
			return err
		}

		result = DeleteResult{
			UserID:              a.ID,
			ParentID:            a.ParentID,
			ReparentedChildren:  children,
			RepairedDescendants: len(descendants),
		}
		return audit(ctx, st, actor, AuditDeleteUser, string(a.ID), map[string]any{
			"parent_id":            idOrNil(a.ParentID),
			"reparented_children":  idStrings(children),
			"repaired_descendants": len(descendants),
			"direct_referrals":     a.DirectReferrals,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSurgery("delete")
	t.log.WithFields(logrus.Fields{
		"actor_id":    actor.ID,
		"user_id":     id,
		"children":    len(result.ReparentedChildren),
		"descendants": result.RepairedDescendants,
	}).Info("user deleted")
	return &result, nil
}

// =============================================================================
// TRANSFER
// =============================================================================

type TransferInput struct {
	UserID           UserID
	NewParentID      UserID
	MoveWithChildren bool
}

type TransferResult struct {
	UserID              UserID
	OldParentID         *UserID
	NewParentID         UserID
	MoveWithChildren    bool
	ChildCount          int
	RepairedDescendants int
}

func (t *TreeSurgeon) Transfer(ctx context.Context, actor Actor, in TransferInput) (*TransferResult, error) {
	if in.UserID == in.NewParentID {
		return nil, &InvalidTransferError{UserID: in.UserID, NewParentID: in.NewParentID, Reason: TransferToSelf}
	}

	var result TransferResult
	err := t.store.WithTx(ctx, func(st Store) error {
		a, err := liveUser(ctx, st, in.UserID)
		if err != nil {
			return err
		}
		c, err := liveUser(ctx, st, in.NewParentID)
		if err != nil {
			return err
		}
		if a.ParentID != nil && *a.ParentID == c.ID {
			return &InvalidTransferError{UserID: a.ID, NewParentID: c.ID, Reason: TransferSameParent}
		}
		if containsID(c.Ancestors, a.ID) {
			return &InvalidTransferError{UserID: a.ID, NewParentID: c.ID, Reason: TransferToDescendant}
		}

		descendants, err := st.ListDescendants(ctx, a.ID)
		if err != nil {
			return err
		}

		now := t.now()
		newParent, newPath := lineageUnder(c)
		if err := st.UpdateLineage(ctx, a.ID, newParent, newPath, now); err != nil {
			return err
		}

		childCount := 0
		if in.MoveWithChildren {
			for _, d := range descendants {
				if d.ParentID != nil && *d.ParentID == a.ID {
					childCount++
				}
				if err := st.UpdateLineage(ctx, d.ID, d.ParentID, rebase(d.Ancestors, a.ID, newPath), now); err != nil {
					return err
				}
			}
			if a.ParentID != nil {
				if err := adjustReferrals(ctx, st, *a.ParentID, -1, now); err != nil {
					return err
				}
			}
		} else {
			children, err := hoist(ctx, st, a, descendants, now)
			if err != nil {
				return err
			}
			childCount = len(children)
			if a.ParentID != nil {
				if err := adjustReferrals(ctx, st, *a.ParentID, childCount-1, now); err != nil {
					return err
				}
			}
			// A arrives at C with no children of its own.
			if err := adjustReferrals(ctx, st, a.ID, -a.DirectReferrals, now); err != nil {
				return err
			}
		}
		if err := adjustReferrals(ctx, st, c.ID, 1, now); err != nil {
			return err
		}

		result = TransferResult{
			UserID:              a.ID,
			OldParentID:         a.ParentID,
			NewParentID:         c.ID,
			MoveWithChildren:    in.MoveWithChildren,
			ChildCount:          childCount,
			RepairedDescendants: len(descendants),
		}
		return audit(ctx, st, actor, AuditTransferUser, string(a.ID), map[string]any{
			"old_parent_id":        idOrNil(a.ParentID),
			"new_parent_id":        string(c.ID),
			"move_with_children":   in.MoveWithChildren,
			"children_count":       childCount,
			"repaired_descendants": len(descendants),
		}, now)
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordSurgery("transfer")
	t.log.WithFields(logrus.Fields{
		"actor_id":           actor.ID,
		"user_id":            in.UserID,
		"new_parent_id":      in.NewParentID,
		"move_with_children": in.MoveWithChildren,
		"children":           result.ChildCount,
	}).Info("user transferred")
	return &result, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func liveUser(ctx context.Context, st Store, id UserID) (*User, error) {
	u, err := st.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.IsDeleted {
		return nil, notFound("user", id)
	}
	return u, nil
}

// hoist removes a from the path of every descendant and re-parents a's
// direct children to a's parent. It returns the re-parented children.
func hoist(ctx context.Context, st Store, a *User, descendants []User, at time.Time) ([]UserID, error) {
	var children []UserID
	for _, d := range descendants {
		parent := d.ParentID
		if parent != nil && *parent == a.ID {
			parent = copyID(a.ParentID)
			children = append(children, d.ID)
		}
		if err := st.UpdateLineage(ctx, d.ID, parent, withoutID(d.Ancestors, a.ID), at); err != nil {
			return nil, err
		}
	}
	return children, nil
}

// rebase keeps path up to and including pivot and replaces the rest with
// pivotPath.
func rebase(path []UserID, pivot UserID, pivotPath []UserID) []UserID {
	out := make([]UserID, 0, len(path)+len(pivotPath))
	for _, id := range path {
		out = append(out, id)
		if id == pivot {
			break
		}
	}
	return append(out, pivotPath...)
}

func withoutID(path []UserID, id UserID) []UserID {
	out := make([]UserID, 0, len(path))
	for _, p := range path {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

func containsID(path []UserID, id UserID) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}

func copyID(id *UserID) *UserID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func adjustReferrals(ctx context.Context, st Store, id UserID, delta int, at time.Time) error {
	if delta == 0 {
		return nil
	}
	return st.AdjustDirectReferrals(ctx, id, delta, at)
}

func idStrings(ids []UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
