package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/referral-engine/referral"
)

var t0 = time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)

func testUser(id string) *referral.User {
	return &referral.User{
		ID:            referral.UserID(id),
		Email:         id + "@example.com",
		Username:      id,
		RefCode:       id + "code",
		PasswordHash:  "hash",
		WalletAddress: "0x" + id,
		Ancestors:     []referral.UserID{},
		WalletBalance: decimal.Zero,
		TotalEarnings: decimal.Zero,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}
}

func payment(id, user, hash string) referral.Transaction {
	return referral.Transaction{
		ID:        referral.TransactionID(id),
		UserID:    referral.UserID(user),
		Type:      referral.TxPayment,
		Amount:    decimal.NewFromInt(10),
		Status:    referral.TxStatusCompleted,
		TxHash:    hash,
		CreatedAt: t0,
	}
}

func TestCreateTransaction_DuplicatePaymentHash(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateUser(ctx, testUser("alice")))
	require.NoError(t, m.CreateTransaction(ctx, payment("t1", "alice", "0xabc")))

	// Rejected inside a unit of work, the whole unit rolls back
	err := m.WithTx(ctx, func(st referral.Store) error {
		if err := st.UpdateLineage(ctx, "alice", nil, []referral.UserID{}, t0.Add(time.Hour)); err != nil {
			return err
		}
		return st.CreateTransaction(ctx, payment("t2", "alice", "0xabc"))
	})
	require.ErrorIs(t, err, referral.ErrDuplicateTxHash)

	got, err := m.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, t0.Equal(got.UpdatedAt))

	// Only payments claim the hash
	refund := payment("t3", "alice", "0xabc")
	refund.Type = referral.TxRefund
	assert.NoError(t, m.CreateTransaction(ctx, refund))
}

func TestUserMutators_StampGivenTime(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateUser(ctx, testUser("alice")))

	tests := []struct {
		name   string
		mutate func(at time.Time) error
	}{
		{"lineage", func(at time.Time) error {
			return m.UpdateLineage(ctx, "alice", nil, []referral.UserID{}, at)
		}},
		{"direct referrals", func(at time.Time) error {
			return m.AdjustDirectReferrals(ctx, "alice", 1, at)
		}},
		{"balance", func(at time.Time) error {
			_, err := m.AdjustBalance(ctx, "alice", referral.BalanceDelta{Wallet: decimal.NewFromInt(5)}, at)
			return err
		}},
		{"package", func(at time.Time) error {
			return m.MarkPackagePurchased(ctx, "alice", "pkg", at)
		}},
	}
	for i, tt := range tests {
		at := t0.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, tt.mutate(at), tt.name)

		got, err := m.GetUser(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, at.Equal(got.UpdatedAt), "%s: updated_at %v, want %v", tt.name, got.UpdatedAt, at)
	}
}

func TestAdjustBalance_OverdraftLeavesTimestamp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateUser(ctx, testUser("alice")))

	_, err := m.AdjustBalance(ctx, "alice", referral.BalanceDelta{Wallet: decimal.NewFromInt(-1)}, t0.Add(time.Hour))

	var ie *referral.InsufficientBalanceError
	require.ErrorAs(t, err, &ie)
	got, err := m.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, t0.Equal(got.UpdatedAt))
}
