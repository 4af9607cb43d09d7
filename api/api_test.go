package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/referral/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	t      *testing.T
	st     *store.Memory
	svc    *referral.Service
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	logger, _ := test.NewNullLogger()
	st := store.NewMemory()
	svc := referral.NewService(st, referral.Options{Logger: logger, PasswordCost: bcrypt.MinCost})
	h := NewHandler(svc, st, logger)
	return &testServer{t: t, st: st, svc: svc, router: NewRouter(h, []string{"http://localhost:5173"})}
}

func (s *testServer) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createPackage(name, price string) PackageDTO {
	rec := s.do(http.MethodPost, "/api/packages", "", map[string]any{
		"name": name, "price": price, "commission_lv1": "10", "commission_lv2": "5",
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[PackageDTO](s.t, rec)
}

func (s *testServer) register(username, referrerCode string) UserDTO {
	rec := s.do(http.MethodPost, "/api/users", "", RegisterRequest{
		Email:         username + "@example.com",
		Username:      username,
		Password:      DefaultPassword,
		ReferrerCode:  referrerCode,
		WalletAddress: "0x" + username,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[UserDTO](s.t, rec)
}

func (s *testServer) purchase(userID, packageID, hash string) *httptest.ResponseRecorder {
	return s.do(http.MethodPost, "/api/users/"+userID+"/purchases", "", PurchaseRequest{
		PackageID: packageID, TxHash: hash,
	})
}

// =============================================================================
// FLOWS
// =============================================================================

func TestAPI_RegisterPurchaseAndCommissions(t *testing.T) {
	s := newTestServer(t)
	pkg := s.createPackage("Starter", "100")

	// GIVEN: root -> a -> b, root and a hold a package
	root := s.register("rootuser", "")
	require.Equal(t, http.StatusCreated, s.purchase(root.ID, pkg.ID, "0xroot").Code)
	a := s.register("usera", root.RefCode)
	require.Equal(t, http.StatusCreated, s.purchase(a.ID, pkg.ID, "0xa").Code)
	b := s.register("userb", a.RefCode)
	assert.Equal(t, []string{a.ID, root.ID}, b.Ancestors)

	// WHEN: b buys
	rec := s.purchase(b.ID, pkg.ID, "0xb")

	// THEN: a earns 10 and root earns 5 on top of the 10 from a's purchase
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[PurchaseResponse](t, rec)
	require.Len(t, res.Commissions, 2)
	assert.Equal(t, "10", res.Commissions[0].Amount)
	assert.Equal(t, "5", res.Commissions[1].Amount)

	got := decode[UserDTO](t, s.do(http.MethodGet, "/api/users/"+root.ID, "", nil))
	assert.Equal(t, "15", got.WalletBalance)

	stats := decode[StatsDTO](t, s.do(http.MethodGet, "/api/users/"+root.ID+"/stats", "", nil))
	assert.Equal(t, 1, stats.F1Count)
	assert.Equal(t, 1, stats.F2Count)

	anc := decode[map[string][]string](t, s.do(http.MethodGet, "/api/users/"+b.ID+"/ancestors", "", nil))
	assert.Equal(t, []string{a.ID, root.ID}, anc["ancestors"])

	tree := decode[TreeNodeDTO](t, s.do(http.MethodGet, "/api/users/"+root.ID+"/tree?depth=1", "", nil))
	require.Len(t, tree.Children, 1)
	assert.Empty(t, tree.Children[0].Children)

	history := decode[[]BalanceHistoryDTO](t, s.do(http.MethodGet, "/api/users/"+a.ID+"/balance-history", "", nil))
	require.Len(t, history, 1)
	assert.Equal(t, "0", history[0].BalanceBefore)
	assert.Equal(t, "10", history[0].BalanceAfter)

	// AND: Replaying the hash conflicts
	assert.Equal(t, http.StatusConflict, s.purchase(b.ID, pkg.ID, "0xb").Code)
}

func TestAPI_WithdrawalLifecycle(t *testing.T) {
	s := newTestServer(t)
	pkg := s.createPackage("Premium", "1000")
	root := s.register("rootuser", "")
	require.Equal(t, http.StatusCreated, s.purchase(root.ID, pkg.ID, "0xroot").Code)
	buyer := s.register("buyer", root.RefCode)
	require.Equal(t, http.StatusCreated, s.purchase(buyer.ID, pkg.ID, "0xbuyer").Code)

	// Overdraw is unprocessable
	rec := s.do(http.MethodPost, "/api/users/"+root.ID+"/withdrawals", "", map[string]any{
		"amount": "150", "password": DefaultPassword,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// Wrong password is a client error
	rec = s.do(http.MethodPost, "/api/users/"+root.ID+"/withdrawals", "", map[string]any{
		"amount": "50", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/users/"+root.ID+"/withdrawals", "", map[string]any{
		"amount": "50", "password": DefaultPassword,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decode[WithdrawalDTO](t, rec)
	assert.Equal(t, "pending", wd.Status)
	assert.Equal(t, "0xrootuser", wd.WalletAddress)

	// Completing before approval conflicts
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/complete", "ops", CompleteRequest{TxHash: "0xpaid"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/approve", "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/admin/withdrawals/"+wd.ID+"/complete", "ops", CompleteRequest{TxHash: "0xpaid"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[WithdrawalDTO](t, rec)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "ops", done.CompletedBy)

	listed := decode[[]WithdrawalDTO](t, s.do(http.MethodGet, "/api/admin/withdrawals?status=completed", "ops", nil))
	require.Len(t, listed, 1)

	audit := decode[[]AuditEntryDTO](t, s.do(http.MethodGet, "/api/admin/audit?actor_id=ops", "ops", nil))
	require.Len(t, audit, 2)
	assert.Equal(t, "complete_withdrawal", audit[0].Action)

	integrity := decode[IntegrityDTO](t, s.do(http.MethodGet, "/api/admin/integrity", "ops", nil))
	assert.True(t, integrity.OK)
	assert.NotNil(t, integrity.Violations)
}

func TestAPI_AdminSurgery(t *testing.T) {
	s := newTestServer(t)
	pkg := s.createPackage("Starter", "100")

	b := s.register("userb", "")
	rec := s.do(http.MethodPost, "/api/admin/users/"+b.ID+"/package", "ops", AssignPackageRequest{PackageID: pkg.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assigned := decode[TransactionDTO](t, rec)
	assert.Empty(t, assigned.TxHash)

	a := s.register("usera", b.RefCode)
	s.do(http.MethodPost, "/api/admin/users/"+a.ID+"/package", "ops", AssignPackageRequest{PackageID: pkg.ID})
	c := s.register("userc", a.RefCode)

	// Transfer to a descendant is rejected
	rec = s.do(http.MethodPost, "/api/admin/users/"+a.ID+"/transfer", "ops", TransferRequest{NewParentID: c.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/api/admin/users/"+a.ID, "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[map[string]any](t, rec)
	assert.Equal(t, []any{c.ID}, res["reparented_children"])

	got := decode[UserDTO](t, s.do(http.MethodGet, "/api/users/"+c.ID, "", nil))
	require.NotNil(t, got.ParentID)
	assert.Equal(t, b.ID, *got.ParentID)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/api/admin/users/"+a.ID, "ops", nil).Code)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestAPI_AdminRequiresActor(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/admin/audit", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, actorHeader)
}

func TestAPI_BadRequests(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown field", http.MethodPost, "/api/users", map[string]any{"emali": "x"}, http.StatusBadRequest},
		{"invalid email", http.MethodPost, "/api/users", RegisterRequest{Email: "x", Username: "valid", Password: DefaultPassword}, http.StatusBadRequest},
		{"unknown referrer", http.MethodPost, "/api/users", RegisterRequest{Email: "x@example.com", Username: "valid", Password: DefaultPassword, ReferrerCode: "nosuchcode"}, http.StatusBadRequest},
		{"missing user", http.MethodGet, "/api/users/nobody", nil, http.StatusNotFound},
		{"missing package", http.MethodGet, "/api/packages/nothing", nil, http.StatusNotFound},
		{"bad depth", http.MethodGet, "/api/users/nobody/tree?depth=x", nil, http.StatusBadRequest},
		{"unknown scenario", http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, "ops", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&referral.NotFoundError{Kind: "user", ID: "x"}, http.StatusNotFound},
		{&referral.InsufficientBalanceError{Available: decimal.Zero, Requested: decimal.NewFromInt(1)}, http.StatusUnprocessableEntity},
		{referral.ErrValidation, http.StatusBadRequest},
		{referral.ErrInvalidCredentials, http.StatusBadRequest},
		{&referral.InvalidStateError{Current: referral.WithdrawalRejected, Expected: referral.WithdrawalPending}, http.StatusConflict},
		{referral.ErrDuplicateTxHash, http.StatusConflict},
		{&referral.PersistenceError{Op: "get user", Err: errors.New("disk")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(fmt.Errorf("wrapped: %w", tt.err)), tt.err.Error())
	}
}

func TestAPI_InternalErrorsHideDetails(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()

	h := NewHandler(s.svc, s.st, nil)
	h.writeServiceError(rec, "Failed to get user", errors.New("secret driver message"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_AllLoadCleanly(t *testing.T) {
	all, err := Scenarios()
	require.NoError(t, err)
	require.NotEmpty(t, all)

	for i := range all {
		sc := &all[i]
		t.Run(sc.ID, func(t *testing.T) {
			s := newTestServer(t)
			require.NoError(t, LoadScenario(context.Background(), s.svc, sc))

			report, err := s.svc.Integrity(context.Background())
			require.NoError(t, err)
			assert.Empty(t, report.Violations)
		})
	}
}

func usersByName(t *testing.T, st *store.Memory) map[string]referral.User {
	users, err := st.ListUsers(context.Background(), true)
	require.NoError(t, err)
	out := make(map[string]referral.User, len(users))
	for _, u := range users {
		out[u.Username] = u
	}
	return out
}

func TestScenarios_LoadThroughAPI(t *testing.T) {
	s := newTestServer(t)

	// WHEN: Two-level commission is loaded
	rec := s.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "two-level-commission"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: R holds 5, A holds 10
	users := usersByName(t, s.st)
	assert.True(t, decimal.NewFromInt(5).Equal(users["root"].WalletBalance))
	assert.True(t, decimal.NewFromInt(10).Equal(users["user_a"].WalletBalance))

	current := decode[ScenarioDTO](t, s.do(http.MethodGet, "/api/scenarios/current", "", nil))
	assert.Equal(t, "two-level-commission", current.ID)

	// WHEN: Another scenario is loaded, the store starts over
	rec = s.do(http.MethodPost, "/api/scenarios/load", "", LoadScenarioRequest{ScenarioID: "withdrawal-rejected"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	users = usersByName(t, s.st)
	assert.Len(t, users, 2)
	r := users["user_r"]
	assert.True(t, decimal.NewFromInt(100).Equal(r.WalletBalance), r.WalletBalance.String())

	listed := decode[[]ScenarioDTO](t, s.do(http.MethodGet, "/api/scenarios", "", nil))
	assert.Len(t, listed, 6)
}
