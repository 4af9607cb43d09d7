/*
handlers.go - HTTP API handlers for the referral engine

PURPOSE:
  Exposes the referral graph, the commission ledger and the withdrawal
  workflow via REST API. Handles HTTP request/response and JSON, and
  delegates everything else to referral.Service.

ENDPOINTS:
  Users:
    POST   /api/users                          Register (optional referrer code)
    GET    /api/users/{id}                     User detail
    GET    /api/users/{id}/ancestors           Ancestor path, nearest first
    GET    /api/users/{id}/tree?depth=N        Referral tree (live users)
    GET    /api/users/{id}/stats               F1/F2 counts and earnings
    GET    /api/users/{id}/commissions         Commissions earned
    GET    /api/users/{id}/balance-history     Wallet audit trail
    GET    /api/users/{id}/transactions        Display ledger
    GET    /api/users/{id}/withdrawals         Withdrawal requests
    POST   /api/users/{id}/purchases           Buy a package (verified tx hash)
    POST   /api/users/{id}/withdrawals         Request a withdrawal

  Packages:
    GET    /api/packages                       List
    POST   /api/packages                       Create
    GET    /api/packages/{id}                  Detail
    PUT    /api/packages/{id}                  Update (snapshots unaffected)

  Admin (X-Actor-ID header required):
    DELETE /api/admin/users/{id}               Soft delete
    POST   /api/admin/users/{id}/transfer      Re-parent
    POST   /api/admin/users/{id}/package       Assign package (no commissions)
    GET    /api/admin/withdrawals?status=      List withdrawals
    POST   /api/admin/withdrawals/{id}/approve
    POST   /api/admin/withdrawals/{id}/reject
    POST   /api/admin/withdrawals/{id}/complete
    GET    /api/admin/audit                    Audit log
    GET    /api/admin/integrity                Invariant check (read-only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation, invalid referrer, invalid transfer, bad credentials
  - 401: Missing actor on admin routes
  - 404: User, package or withdrawal not found
  - 409: Invalid state, duplicate identity, already purchased, duplicate hash
  - 422: Insufficient balance
  - 500: Persistence and other internal errors

SECURITY NOTE:
  No authentication. The actor header is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter wipes the backing store (demo scenarios).
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *referral.Service
	Store   Resetter
	Log     logrus.FieldLogger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the service.
func NewHandler(svc *referral.Service, store Resetter, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Service: svc, Store: store, Log: log}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Register creates a user, optionally under a referrer.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	u, err := h.Service.Graph.Register(r.Context(), referral.RegisterInput{
		Email:          req.Email,
		Username:       req.Username,
		Password:       req.Password,
		RefCode:        req.RefCode,
		ReferrerCode:   req.ReferrerCode,
		WalletAddress:  req.WalletAddress,
		IdentityNumber: req.IdentityNumber,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to register user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(*u))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.User(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(*u))
}

func (h *Handler) GetAncestors(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Service.Graph.AncestorsOf(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get ancestors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ancestors": idStrings(ids)})
}

func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s := r.URL.Query().Get("depth"); s != "" {
		d, err := strconv.Atoi(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "depth must be a non-negative integer", err)
			return
		}
		depth = d
	}
	tree, err := h.Service.Graph.Tree(r.Context(), userID(r), depth)
	if err != nil {
		h.writeServiceError(w, "Failed to build tree", err)
		return
	}
	writeJSON(w, http.StatusOK, toTreeDTO(tree))
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Graph.Stats(r.Context(), userID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

func (h *Handler) GetCommissions(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Service.Commissions(r.Context(), referral.CommissionFilter{UserID: userID(r)})
	if err != nil {
		h.writeServiceError(w, "Failed to list commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(cs))
}

func (h *Handler) GetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if _, err := h.Service.User(r.Context(), id); err != nil {
		h.writeServiceError(w, "Failed to get balance history", err)
		return
	}
	es, err := h.Service.BalanceHistory(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get balance history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryDTOs(es))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := userID(r)
	if _, err := h.Service.User(r.Context(), id); err != nil {
		h.writeServiceError(w, "Failed to get transactions", err)
		return
	}
	ts, err := h.Service.Transactions(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(ts))
}

func (h *Handler) GetUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Service.Withdrawals.List(r.Context(), referral.WithdrawalFilter{UserID: userID(r)})
	if err != nil {
		h.writeServiceError(w, "Failed to list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

// Purchase records a verified payment and credits commissions.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Service.Purchases.Purchase(r.Context(), referral.PurchaseInput{
		UserID:    userID(r),
		PackageID: referral.PackageID(req.PackageID),
		TxHash:    req.TxHash,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to purchase package", err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseResponse{
		Payment:     toTransactionDTO(res.Payment),
		Commissions: toCommissionDTOs(res.Commissions),
	})
}

// RequestWithdrawal debits the wallet and opens a pending request.
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wd, err := h.Service.Withdrawals.Request(r.Context(), referral.WithdrawalRequest{
		UserID:        userID(r),
		Amount:        req.Amount,
		WalletAddress: req.WalletAddress,
		Password:      req.Password,
		TwoFactorCode: req.TwoFactorCode,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(*wd))
}

// =============================================================================
// PACKAGE HANDLERS
// =============================================================================

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Service.Packages.List(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to list packages", err)
		return
	}
	dtos := make([]PackageDTO, 0, len(ps))
	for _, p := range ps {
		dtos = append(dtos, toPackageDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req PackageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Service.Packages.Create(r.Context(), req.input())
	if err != nil {
		h.writeServiceError(w, "Failed to create package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(*p))
}

func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.Packages.Get(r.Context(), referral.PackageID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Failed to get package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*p))
}

func (h *Handler) UpdatePackage(w http.ResponseWriter, r *http.Request) {
	var req PackageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	p, err := h.Service.Packages.Update(r.Context(), referral.PackageID(chi.URLParam(r, "id")), req.input())
	if err != nil {
		h.writeServiceError(w, "Failed to update package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*p))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Tree.Delete(r.Context(), actorFrom(r), userID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to delete user", err)
		return
	}
	var parent *string
	if res.ParentID != nil {
		parent = strPtr(string(*res.ParentID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":              string(res.UserID),
		"parent_id":            parent,
		"reparented_children":  idStrings(res.ReparentedChildren),
		"repaired_descendants": res.RepairedDescendants,
	})
}

func (h *Handler) TransferUser(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.NewParentID == "" {
		writeError(w, http.StatusBadRequest, "new_parent_id is required", nil)
		return
	}
	res, err := h.Service.Tree.Transfer(r.Context(), actorFrom(r), referral.TransferInput{
		UserID:           userID(r),
		NewParentID:      referral.UserID(req.NewParentID),
		MoveWithChildren: req.MoveWithChildren,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to transfer user", err)
		return
	}
	var oldParent *string
	if res.OldParentID != nil {
		oldParent = strPtr(string(*res.OldParentID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":              string(res.UserID),
		"old_parent_id":        oldParent,
		"new_parent_id":        string(res.NewParentID),
		"move_with_children":   res.MoveWithChildren,
		"children_count":       res.ChildCount,
		"repaired_descendants": res.RepairedDescendants,
	})
}

func (h *Handler) AssignPackage(w http.ResponseWriter, r *http.Request) {
	var req AssignPackageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tx, err := h.Service.Purchases.AssignPackage(r.Context(), actorFrom(r), userID(r), referral.PackageID(req.PackageID))
	if err != nil {
		h.writeServiceError(w, "Failed to assign package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Service.Withdrawals.List(r.Context(), referral.WithdrawalFilter{
		UserID: referral.UserID(r.URL.Query().Get("user_id")),
		Status: referral.WithdrawalStatus(r.URL.Query().Get("status")),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(ws))
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := h.Service.Withdrawals.Approve(r.Context(), actorFrom(r), withdrawalID(r))
	if err != nil {
		h.writeServiceError(w, "Failed to approve withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wd, err := h.Service.Withdrawals.Reject(r.Context(), actorFrom(r), withdrawalID(r), req.Reason)
	if err != nil {
		h.writeServiceError(w, "Failed to reject withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

func (h *Handler) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	wd, err := h.Service.Withdrawals.Complete(r.Context(), actorFrom(r), withdrawalID(r), req.TxHash)
	if err != nil {
		h.writeServiceError(w, "Failed to complete withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(*wd))
}

func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := referral.AuditFilter{
		ActorID:  q.Get("actor_id"),
		TargetID: q.Get("target_id"),
		Limit:    100,
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, referral.AuditAction(a))
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		filter.Limit = n
	}
	es, err := h.Service.Audit(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "Failed to list audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(es))
}

func (h *Handler) CheckIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Integrity(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to check integrity", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityDTO(report))
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

const actorHeader = "X-Actor-ID"

// requireActor rejects admin requests that do not name an actor.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(actorHeader) == "" {
			writeError(w, http.StatusUnauthorized, actorHeader+" header is required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorFrom(r *http.Request) referral.Actor {
	return referral.Actor{ID: r.Header.Get(actorHeader), IP: r.RemoteAddr}
}

func userID(r *http.Request) referral.UserID {
	return referral.UserID(chi.URLParam(r, "id"))
}

func withdrawalID(r *http.Request) referral.WithdrawalID {
	return referral.WithdrawalID(chi.URLParam(r, "id"))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps referral errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case referral.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, referral.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case referral.IsClientError(err):
		return http.StatusBadRequest
	case referral.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).Error(message)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}
