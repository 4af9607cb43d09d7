package referral_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
	"github.com/warp/referral-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testPassword = "password123"

var admin = referral.Actor{ID: "admin-1", IP: "10.0.0.1"}

// fixture wires a Service over one store with a deterministic clock.
type fixture struct {
	t   *testing.T
	ctx context.Context
	st  referral.TxStore
	svc *referral.Service

	starter *referral.Package
	premium *referral.Package
	hashes  int
}

type storeFactory struct {
	name string
	open func(t *testing.T) referral.TxStore
}

var storeFactories = []storeFactory{
	{
		name: "memory",
		open: func(t *testing.T) referral.TxStore { return store.NewMemory() },
	},
	{
		name: "sqlite",
		open: func(t *testing.T) referral.TxStore {
			st, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return st
		},
	},
}

// forEachStore runs fn once per store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	forEachStoreWith(t, referral.Options{}, fn)
}

func forEachStoreWith(t *testing.T, opts referral.Options, fn func(t *testing.T, f *fixture)) {
	for _, sf := range storeFactories {
		t.Run(sf.name, func(t *testing.T) {
			fn(t, newFixture(t, sf.open(t), opts))
		})
	}
}

func newFixture(t *testing.T, st referral.TxStore, opts referral.Options) *fixture {
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	opts.PasswordCost = bcrypt.MinCost
	opts.Now = newClock().Now
	return &fixture{t: t, ctx: context.Background(), st: st, svc: referral.NewService(st, opts)}
}

// clock ticks one millisecond per call so creation order is unambiguous.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// =============================================================================
// HELPERS
// =============================================================================

func (f *fixture) packageWith(name, price, lv1, lv2 string) *referral.Package {
	p, err := f.svc.Packages.Create(f.ctx, referral.PackageInput{
		Name:          name,
		Price:         decimal.RequireFromString(price),
		CommissionLv1: decimal.RequireFromString(lv1),
		CommissionLv2: decimal.RequireFromString(lv2),
		Active:        true,
	})
	require.NoError(f.t, err)
	return p
}

// Starter: price 100, F1 10%, F2 5%.
func (f *fixture) starterPackage() *referral.Package {
	if f.starter == nil {
		f.starter = f.packageWith("Starter", "100", "10", "5")
	}
	return f.starter
}

// Premium: price 1000, F1 10%, F2 5%.
func (f *fixture) premiumPackage() *referral.Package {
	if f.premium == nil {
		f.premium = f.packageWith("Premium", "1000", "10", "5")
	}
	return f.premium
}

// leaf registers name under parent (nil for a root) without activating it.
func (f *fixture) leaf(name string, parent *referral.User) *referral.User {
	in := referral.RegisterInput{
		Email:         name + "@example.com",
		Username:      name,
		Password:      testPassword,
		WalletAddress: "0xwallet" + name,
	}
	if parent != nil {
		in.ReferrerCode = parent.RefCode
	}
	u, err := f.svc.Graph.Register(f.ctx, in)
	require.NoError(f.t, err)
	return u
}

// user registers name under parent and activates it by admin assignment
// (no commissions), so it may sponsor further users.
func (f *fixture) user(name string, parent *referral.User) *referral.User {
	u := f.leaf(name, parent)
	_, err := f.svc.Purchases.AssignPackage(f.ctx, admin, u.ID, f.starterPackage().ID)
	require.NoError(f.t, err)
	return f.reload(u)
}

func (f *fixture) reload(u *referral.User) *referral.User {
	got, err := f.st.GetUser(f.ctx, u.ID)
	require.NoError(f.t, err)
	return got
}

func (f *fixture) nextHash() string {
	f.hashes++
	return fmt.Sprintf("0xhash%04d", f.hashes)
}

func (f *fixture) buy(u *referral.User, pkg *referral.Package) *referral.PurchaseResult {
	res, err := f.svc.Purchases.Purchase(f.ctx, referral.PurchaseInput{
		UserID:    u.ID,
		PackageID: pkg.ID,
		TxHash:    f.nextHash(),
	})
	require.NoError(f.t, err)
	return res
}

// earn100 credits u with exactly 100 through a premium purchase by a new
// direct referral. u must be activated.
func (f *fixture) earn100(u *referral.User, buyerName string) {
	buyer := f.leaf(buyerName, u)
	f.buy(buyer, f.premiumPackage())
}

func (f *fixture) requireIntegrity() {
	report, err := f.svc.Integrity(f.ctx)
	require.NoError(f.t, err)
	require.Empty(f.t, report.Violations, "integrity violations")
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	w := decimal.RequireFromString(want)
	if !w.Equal(got) {
		assert.Fail(t, "amount mismatch: want "+w.String()+", got "+got.String(), msgAndArgs...)
	}
}

func ids(users ...*referral.User) []referral.UserID {
	out := make([]referral.UserID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}
