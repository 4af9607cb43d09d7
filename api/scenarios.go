/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with a referral
  network, packages and ledger activity that demonstrate specific rules.
  Scenarios are YAML fixtures embedded from scenarios/*.yaml.

AVAILABLE SCENARIOS:
  root-purchase:             Root buys, no commission paid
  two-level-commission:      F1 and F2 credited from one purchase
  delete-reparent:           Soft delete hoists children to the grandparent
  transfer-without-children: Move one node, leave its children behind
  withdrawal-rejected:       Debit on request, refund on rejection
  network:                   Larger tree with every operation

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create packages
 3. Register users in file order (a referrer must come before its referrals
    and hold a package)
 4. Run steps in order through the same service the API uses

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "two-level-commission"}

ADDING NEW SCENARIOS:
  Drop a new YAML file in scenarios/. Keys are local to the file.

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - referral/service.go: Operations the steps call
*/
package api

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/referral-engine/referral"
)

//go:embed scenarios/*.yaml
var scenarioFiles embed.FS

// DefaultPassword is used for scenario users that do not set one.
const DefaultPassword = "password123"

var scenarioActor = referral.Actor{ID: "scenario-loader"}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type Scenario struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Packages    []scenarioPackage `yaml:"packages"`
	Users       []scenarioUser    `yaml:"users"`
	Steps       []scenarioStep    `yaml:"steps"`
}

type scenarioPackage struct {
	Key           string `yaml:"key"`
	Name          string `yaml:"name"`
	Price         string `yaml:"price"`
	CommissionLv1 string `yaml:"commission_lv1"`
	CommissionLv2 string `yaml:"commission_lv2"`
}

type scenarioUser struct {
	Key           string `yaml:"key"`
	Email         string `yaml:"email"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Referrer      string `yaml:"referrer"`
	WalletAddress string `yaml:"wallet_address"`

	// Package activates the user right after registration so that later
	// users can name it as referrer. With TxHash it is a paid purchase,
	// otherwise an admin assignment that pays no commission.
	Package string `yaml:"package"`
	TxHash  string `yaml:"tx_hash"`
}

// scenarioStep holds exactly one operation.
type scenarioStep struct {
	Purchase *struct {
		User    string `yaml:"user"`
		Package string `yaml:"package"`
		TxHash  string `yaml:"tx_hash"`
	} `yaml:"purchase"`
	Assign *struct {
		User    string `yaml:"user"`
		Package string `yaml:"package"`
	} `yaml:"assign"`
	Delete   string `yaml:"delete"`
	Transfer *struct {
		User             string `yaml:"user"`
		NewParent        string `yaml:"new_parent"`
		MoveWithChildren bool   `yaml:"move_with_children"`
	} `yaml:"transfer"`
	Withdraw *struct {
		Key    string `yaml:"key"`
		User   string `yaml:"user"`
		Amount string `yaml:"amount"`
	} `yaml:"withdraw"`
	Approve string `yaml:"approve"`
	Reject  *struct {
		Withdrawal string `yaml:"withdrawal"`
		Reason     string `yaml:"reason"`
	} `yaml:"reject"`
	Complete *struct {
		Withdrawal string `yaml:"withdrawal"`
		TxHash     string `yaml:"tx_hash"`
	} `yaml:"complete"`
}

var loadScenarios = sync.OnceValues(func() ([]Scenario, error) {
	entries, err := scenarioFiles.ReadDir("scenarios")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]Scenario, 0, len(entries))
	for _, e := range entries {
		data, err := scenarioFiles.ReadFile(path.Join("scenarios", e.Name()))
		if err != nil {
			return nil, err
		}
		var sc Scenario
		if err := yaml.Unmarshal(data, &sc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		out = append(out, sc)
	}
	return out, nil
})

// Scenarios returns the embedded scenarios in file order.
func Scenarios() ([]Scenario, error) {
	return loadScenarios()
}

func findScenario(id string) (*Scenario, error) {
	all, err := Scenarios()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := Scenarios()
	if err != nil {
		h.writeServiceError(w, "Failed to read scenarios", err)
		return
	}
	out := make([]ScenarioDTO, 0, len(all))
	for _, sc := range all {
		out = append(out, ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	sc, err := findScenario(current)
	if err != nil || sc == nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description})
}

// LoadScenario resets the store and replays a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sc, err := findScenario(req.ScenarioID)
	if err != nil {
		h.writeServiceError(w, "Failed to read scenarios", err)
		return
	}
	if sc == nil {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		h.writeServiceError(w, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := LoadScenario(ctx, h.Service, sc); err != nil {
		h.Log.WithError(err).WithField("scenario", sc.ID).Error("scenario load failed")
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = sc.ID
	h.Log.WithField("scenario", sc.ID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": sc.ID,
	})
}

// =============================================================================
// LOADER
// =============================================================================

// LoadScenario replays sc against svc. The store is expected to be empty.
func LoadScenario(ctx context.Context, svc *referral.Service, sc *Scenario) error {
	l := &scenarioLoader{
		svc:         svc,
		packages:    make(map[string]referral.PackageID),
		users:       make(map[string]*referral.User),
		passwords:   make(map[string]string),
		withdrawals: make(map[string]referral.WithdrawalID),
	}
	for _, p := range sc.Packages {
		if err := l.createPackage(ctx, p); err != nil {
			return fmt.Errorf("package %s: %w", p.Key, err)
		}
	}
	for _, u := range sc.Users {
		if err := l.register(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.Key, err)
		}
	}
	for i, st := range sc.Steps {
		if err := l.run(ctx, st); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

type scenarioLoader struct {
	svc         *referral.Service
	packages    map[string]referral.PackageID
	users       map[string]*referral.User
	passwords   map[string]string
	withdrawals map[string]referral.WithdrawalID
}

func (l *scenarioLoader) createPackage(ctx context.Context, p scenarioPackage) error {
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return err
	}
	lv1, err := decimal.NewFromString(p.CommissionLv1)
	if err != nil {
		return err
	}
	lv2, err := decimal.NewFromString(p.CommissionLv2)
	if err != nil {
		return err
	}
	pkg, err := l.svc.Packages.Create(ctx, referral.PackageInput{
		Name:          p.Name,
		Price:         price,
		CommissionLv1: lv1,
		CommissionLv2: lv2,
		Active:        true,
	})
	if err != nil {
		return err
	}
	l.packages[p.Key] = pkg.ID
	return nil
}

func (l *scenarioLoader) register(ctx context.Context, su scenarioUser) error {
	in := referral.RegisterInput{
		Email:         su.Email,
		Username:      su.Username,
		Password:      su.Password,
		WalletAddress: su.WalletAddress,
	}
	if in.Password == "" {
		in.Password = DefaultPassword
	}
	if su.Referrer != "" {
		ref, ok := l.users[su.Referrer]
		if !ok {
			return fmt.Errorf("referrer %q is not defined before use", su.Referrer)
		}
		in.ReferrerCode = ref.RefCode
	}
	u, err := l.svc.Graph.Register(ctx, in)
	if err != nil {
		return err
	}
	l.users[su.Key] = u
	l.passwords[su.Key] = in.Password

	if su.Package == "" {
		return nil
	}
	pid, err := l.pkg(su.Package)
	if err != nil {
		return err
	}
	if su.TxHash != "" {
		_, err = l.svc.Purchases.Purchase(ctx, referral.PurchaseInput{UserID: u.ID, PackageID: pid, TxHash: su.TxHash})
	} else {
		_, err = l.svc.Purchases.AssignPackage(ctx, scenarioActor, u.ID, pid)
	}
	if err != nil {
		return err
	}
	// Refresh so the activation is visible to later referrals.
	l.users[su.Key], err = l.svc.User(ctx, u.ID)
	return err
}

func (l *scenarioLoader) user(key string) (referral.UserID, error) {
	u, ok := l.users[key]
	if !ok {
		return "", fmt.Errorf("unknown user %q", key)
	}
	return u.ID, nil
}

func (l *scenarioLoader) pkg(key string) (referral.PackageID, error) {
	id, ok := l.packages[key]
	if !ok {
		return "", fmt.Errorf("unknown package %q", key)
	}
	return id, nil
}

func (l *scenarioLoader) withdrawal(key string) (referral.WithdrawalID, error) {
	id, ok := l.withdrawals[key]
	if !ok {
		return "", fmt.Errorf("unknown withdrawal %q", key)
	}
	return id, nil
}

func (l *scenarioLoader) run(ctx context.Context, st scenarioStep) error {
	switch {
	case st.Purchase != nil:
		uid, err := l.user(st.Purchase.User)
		if err != nil {
			return err
		}
		pid, err := l.pkg(st.Purchase.Package)
		if err != nil {
			return err
		}
		_, err = l.svc.Purchases.Purchase(ctx, referral.PurchaseInput{UserID: uid, PackageID: pid, TxHash: st.Purchase.TxHash})
		return err

	case st.Assign != nil:
		uid, err := l.user(st.Assign.User)
		if err != nil {
			return err
		}
		pid, err := l.pkg(st.Assign.Package)
		if err != nil {
			return err
		}
		_, err = l.svc.Purchases.AssignPackage(ctx, scenarioActor, uid, pid)
		return err

	case st.Delete != "":
		uid, err := l.user(st.Delete)
		if err != nil {
			return err
		}
		_, err = l.svc.Tree.Delete(ctx, scenarioActor, uid)
		return err

	case st.Transfer != nil:
		uid, err := l.user(st.Transfer.User)
		if err != nil {
			return err
		}
		parent, err := l.user(st.Transfer.NewParent)
		if err != nil {
			return err
		}
		_, err = l.svc.Tree.Transfer(ctx, scenarioActor, referral.TransferInput{
			UserID:           uid,
			NewParentID:      parent,
			MoveWithChildren: st.Transfer.MoveWithChildren,
		})
		return err

	case st.Withdraw != nil:
		uid, err := l.user(st.Withdraw.User)
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(st.Withdraw.Amount)
		if err != nil {
			return err
		}
		wd, err := l.svc.Withdrawals.Request(ctx, referral.WithdrawalRequest{
			UserID:   uid,
			Amount:   amount,
			Password: l.passwords[st.Withdraw.User],
		})
		if err != nil {
			return err
		}
		l.withdrawals[st.Withdraw.Key] = wd.ID
		return nil

	case st.Approve != "":
		id, err := l.withdrawal(st.Approve)
		if err != nil {
			return err
		}
		_, err = l.svc.Withdrawals.Approve(ctx, scenarioActor, id)
		return err

	case st.Reject != nil:
		id, err := l.withdrawal(st.Reject.Withdrawal)
		if err != nil {
			return err
		}
		_, err = l.svc.Withdrawals.Reject(ctx, scenarioActor, id, st.Reject.Reason)
		return err

	case st.Complete != nil:
		id, err := l.withdrawal(st.Complete.Withdrawal)
		if err != nil {
			return err
		}
		_, err = l.svc.Withdrawals.Complete(ctx, scenarioActor, id, st.Complete.TxHash)
		return err
	}
	return fmt.Errorf("empty step")
}
