/*
graph.go - Referral graph: registration, ancestor paths, tree queries

PURPOSE:
  Places new users in the referral tree and answers "who is above / below
  this user" without recursive walks. Every user stores its full ancestor
  path (nearest-first), so AncestorsOf is a single read and the commission
  engine never walks parent pointers.

GRAPH INVARIANT (holds after every register, delete and transfer):
  For every live user U with a parent P:
    U.Ancestors[0]  == P.ID
    U.Ancestors[1:] == P.Ancestors
  and P.DirectReferrals == number of live users whose parent is P.

REGISTRATION POLICY:
  A referral code must belong to a live user who has activated (purchased
  or been assigned a package). Otherwise the registration is rejected with
  InvalidReferrerError and no user is created.

SEE ALSO:
  - surgery.go: the other writers of ParentID / Ancestors
  - integrity.go: re-verifies the invariant over the whole store
*/
package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/referral-engine/metrics"
)

const (
	minPasswordLength = 8
	refCodeAttempts   = 5
)

type Graph struct {
	store           TxStore
	requireReferrer bool
	passwordCost    int
	log             logrus.FieldLogger
	now             func() time.Time
}

// RegisterInput is a new account. RefCode is generated when empty;
// ReferrerCode may be empty unless the graph requires a referrer.
type RegisterInput struct {
	Email          string
	Username       string
	Password       string
	RefCode        string
	ReferrerCode   string
	WalletAddress  string
	IdentityNumber string
}

// Register creates a user under the owner of ReferrerCode (or as a root)
// and bumps the referrer's direct referral count in the same unit of work.
func (g *Graph) Register(ctx context.Context, in RegisterInput) (*User, error) {
	email := NormalizeEmail(in.Email)
	username := NormalizeUsername(in.Username)
	if err := validateIdentity(email, username); err != nil {
		return nil, err
	}
	if len(in.Password) < minPasswordLength {
		return nil, invalid("password", "must be at least 8 characters")
	}
	refCode := NormalizeRefCode(in.RefCode)
	if refCode != "" && !ValidRefCode(refCode) {
		return nil, invalid("ref_code", "must be at least 6 lowercase letters or digits")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), g.passwordCost)
	if err != nil {
		return nil, err
	}

	now := g.now()
	user := &User{
		ID:             UserID(uuid.NewString()),
		Email:          email,
		Username:       username,
		PasswordHash:   string(hash),
		WalletAddress:  in.WalletAddress,
		IdentityNumber: in.IdentityNumber,
		Ancestors:      []UserID{},
		WalletBalance:  decimal.Zero,
		TotalEarnings:  decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = g.store.WithTx(ctx, func(st Store) error {
		referrer, err := g.resolveReferrer(ctx, st, in.ReferrerCode)
		if err != nil {
			return err
		}

		user.RefCode = refCode
		if user.RefCode == "" {
			if user.RefCode, err = freshRefCode(ctx, st); err != nil {
				return err
			}
		}

		user.ParentID, user.Ancestors = lineageUnder(referrer)
		if err := st.CreateUser(ctx, user); err != nil {
			return err
		}
		if referrer != nil {
			return st.AdjustDirectReferrals(ctx, referrer.ID, 1, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordRegistration(user.HasParent())
	g.log.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"username": user.Username,
		"referred": user.HasParent(),
		"depth":    user.Depth(),
	}).Info("user registered")
	return user, nil
}

func (g *Graph) resolveReferrer(ctx context.Context, st Store, code string) (*User, error) {
	code = NormalizeRefCode(code)
	if code == "" {
		if g.requireReferrer {
			return nil, &InvalidReferrerError{Reason: "a referral code is required"}
		}
		return nil, nil
	}

	referrer, err := st.FindUserByRefCode(ctx, code)
	if IsNotFound(err) {
		return nil, &InvalidReferrerError{Code: code, Reason: "no active user owns this code"}
	}
	if err != nil {
		return nil, err
	}
	if !referrer.IsActivated() {
		return nil, &InvalidReferrerError{Code: code, Reason: "referrer has not activated a package"}
	}
	return referrer, nil
}

func freshRefCode(ctx context.Context, st Store) (string, error) {
	for i := 0; i < refCodeAttempts; i++ {
		code, err := GenerateRefCode()
		if err != nil {
			return "", err
		}
		_, err = st.FindUserByRefCode(ctx, code)
		if IsNotFound(err) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", &DuplicateIdentityError{Field: "ref_code", Value: "generated"}
}

// lineageUnder returns the parent pointer and ancestor path of a node placed
// directly under parent. A nil parent yields a root.
func lineageUnder(parent *User) (*UserID, []UserID) {
	if parent == nil {
		return nil, []UserID{}
	}
	id := parent.ID
	ancestors := make([]UserID, 0, len(parent.Ancestors)+1)
	ancestors = append(ancestors, parent.ID)
	ancestors = append(ancestors, parent.Ancestors...)
	return &id, ancestors
}

// AncestorsOf returns the stored ancestor path, nearest first.
func (g *Graph) AncestorsOf(ctx context.Context, id UserID) ([]UserID, error) {
	u, err := g.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]UserID{}, u.Ancestors...), nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// TreeNode is one live user in a referral tree with its live children.
type TreeNode struct {
	User     User
	Level    int // 0 for the root of the query
	Children []*TreeNode
}

// Tree builds the live subtree under rootID from one descendants query.
// maxDepth <= 0 means unlimited.
func (g *Graph) Tree(ctx context.Context, rootID UserID, maxDepth int) (*TreeNode, error) {
	root, err := g.store.GetUser(ctx, rootID)
	if err != nil {
		return nil, err
	}
	descendants, err := g.store.ListDescendants(ctx, rootID)
	if err != nil {
		return nil, err
	}

	byParent := make(map[UserID][]User)
	for _, d := range descendants {
		if d.ParentID == nil {
			continue
		}
		byParent[*d.ParentID] = append(byParent[*d.ParentID], d)
	}

	var build func(u User, level int) *TreeNode
	build = func(u User, level int) *TreeNode {
		node := &TreeNode{User: u, Level: level, Children: []*TreeNode{}}
		if maxDepth > 0 && level >= maxDepth {
			return node
		}
		for _, child := range byParent[u.ID] {
			node.Children = append(node.Children, build(child, level+1))
		}
		return node
	}
	return build(*root, 0), nil
}

// Stats summarizes a user's downline and commission earnings.
type Stats struct {
	UserID            UserID
	F1Count           int
	F2Count           int
	DownlineCount     int
	Level1Commissions decimal.Decimal
	Level2Commissions decimal.Decimal
	WalletBalance     decimal.Decimal
	TotalEarnings     decimal.Decimal
	PackagesPurchased int
	ActivePackageID   *PackageID
}

func (g *Graph) Stats(ctx context.Context, id UserID) (*Stats, error) {
	u, err := g.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	descendants, err := g.store.ListDescendants(ctx, id)
	if err != nil {
		return nil, err
	}
	commissions, err := g.store.ListCommissions(ctx, CommissionFilter{UserID: id})
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		UserID:            u.ID,
		DownlineCount:     len(descendants),
		Level1Commissions: decimal.Zero,
		Level2Commissions: decimal.Zero,
		WalletBalance:     u.WalletBalance,
		TotalEarnings:     u.TotalEarnings,
		PackagesPurchased: u.PackagesPurchased,
		ActivePackageID:   u.ActivePackageID,
	}
	for _, d := range descendants {
		switch d.Depth() - u.Depth() {
		case 1:
			stats.F1Count++
		case 2:
			stats.F2Count++
		}
	}
	for _, c := range commissions {
		switch c.Level {
		case Level1:
			stats.Level1Commissions = stats.Level1Commissions.Add(c.Amount)
		case Level2:
			stats.Level2Commissions = stats.Level2Commissions.Add(c.Amount)
		}
	}
	return stats, nil
}
