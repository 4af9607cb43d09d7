/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the referral domain model from the external API contract. Password hashes
  and other secrets never appear in a DTO.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal strings ("12.5") on the wire in both directions, so
  no client ever sees a float rounding error.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// USERS
// =============================================================================

type RegisterRequest struct {
	Email          string `json:"email"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	RefCode        string `json:"ref_code,omitempty"`
	ReferrerCode   string `json:"referrer_code,omitempty"`
	WalletAddress  string `json:"wallet_address,omitempty"`
	IdentityNumber string `json:"identity_number,omitempty"`
}

type UserDTO struct {
	ID                string   `json:"id"`
	Email             string   `json:"email"`
	Username          string   `json:"username"`
	RefCode           string   `json:"ref_code"`
	WalletAddress     string   `json:"wallet_address,omitempty"`
	ParentID          *string  `json:"parent_id"`
	Ancestors         []string `json:"ancestors"`
	DirectReferrals   int      `json:"direct_referrals"`
	WalletBalance     string   `json:"wallet_balance"`
	TotalEarnings     string   `json:"total_earnings"`
	PackagesPurchased int      `json:"packages_purchased"`
	ActivePackageID   *string  `json:"active_package_id"`
	IsDeleted         bool     `json:"is_deleted"`
	DeletedAt         *string  `json:"deleted_at,omitempty"`
	CreatedAt         string   `json:"created_at"`
}

func toUserDTO(u referral.User) UserDTO {
	dto := UserDTO{
		ID:                string(u.ID),
		Email:             u.Email,
		Username:          u.Username,
		RefCode:           u.RefCode,
		WalletAddress:     u.WalletAddress,
		Ancestors:         idStrings(u.Ancestors),
		DirectReferrals:   u.DirectReferrals,
		WalletBalance:     u.WalletBalance.String(),
		TotalEarnings:     u.TotalEarnings.String(),
		PackagesPurchased: u.PackagesPurchased,
		IsDeleted:         u.IsDeleted,
		DeletedAt:         timePtr(u.DeletedAt),
		CreatedAt:         u.CreatedAt.Format(time.RFC3339),
	}
	if u.ParentID != nil {
		dto.ParentID = strPtr(string(*u.ParentID))
	}
	if u.ActivePackageID != nil {
		dto.ActivePackageID = strPtr(string(*u.ActivePackageID))
	}
	return dto
}

type TreeNodeDTO struct {
	ID              string         `json:"id"`
	Username        string         `json:"username"`
	Level           int            `json:"level"`
	DirectReferrals int            `json:"direct_referrals"`
	Activated       bool           `json:"activated"`
	Children        []*TreeNodeDTO `json:"children"`
}

func toTreeDTO(n *referral.TreeNode) *TreeNodeDTO {
	dto := &TreeNodeDTO{
		ID:              string(n.User.ID),
		Username:        n.User.Username,
		Level:           n.Level,
		DirectReferrals: n.User.DirectReferrals,
		Activated:       n.User.IsActivated(),
		Children:        make([]*TreeNodeDTO, 0, len(n.Children)),
	}
	for _, c := range n.Children {
		dto.Children = append(dto.Children, toTreeDTO(c))
	}
	return dto
}

type StatsDTO struct {
	UserID            string  `json:"user_id"`
	F1Count           int     `json:"f1_count"`
	F2Count           int     `json:"f2_count"`
	DownlineCount     int     `json:"downline_count"`
	Level1Commissions string  `json:"level1_commissions"`
	Level2Commissions string  `json:"level2_commissions"`
	WalletBalance     string  `json:"wallet_balance"`
	TotalEarnings     string  `json:"total_earnings"`
	PackagesPurchased int     `json:"packages_purchased"`
	ActivePackageID   *string `json:"active_package_id"`
}

func toStatsDTO(s *referral.Stats) StatsDTO {
	dto := StatsDTO{
		UserID:            string(s.UserID),
		F1Count:           s.F1Count,
		F2Count:           s.F2Count,
		DownlineCount:     s.DownlineCount,
		Level1Commissions: s.Level1Commissions.String(),
		Level2Commissions: s.Level2Commissions.String(),
		WalletBalance:     s.WalletBalance.String(),
		TotalEarnings:     s.TotalEarnings.String(),
		PackagesPurchased: s.PackagesPurchased,
	}
	if s.ActivePackageID != nil {
		dto.ActivePackageID = strPtr(string(*s.ActivePackageID))
	}
	return dto
}

// =============================================================================
// PACKAGES
// =============================================================================

type PackageRequest struct {
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	CommissionLv1 decimal.Decimal `json:"commission_lv1"`
	CommissionLv2 decimal.Decimal `json:"commission_lv2"`
	Active        *bool           `json:"active,omitempty"`
}

func (r PackageRequest) input() referral.PackageInput {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return referral.PackageInput{
		Name:          r.Name,
		Price:         r.Price,
		CommissionLv1: r.CommissionLv1,
		CommissionLv2: r.CommissionLv2,
		Active:        active,
	}
}

type PackageDTO struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Price         string `json:"price"`
	CommissionLv1 string `json:"commission_lv1"`
	CommissionLv2 string `json:"commission_lv2"`
	Active        bool   `json:"active"`
	UpdatedAt     string `json:"updated_at"`
}

func toPackageDTO(p referral.Package) PackageDTO {
	return PackageDTO{
		ID:            string(p.ID),
		Name:          p.Name,
		Price:         p.Price.String(),
		CommissionLv1: p.CommissionLv1.String(),
		CommissionLv2: p.CommissionLv2.String(),
		Active:        p.Active,
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
}

type PackageSnapshotDTO struct {
	PackageID     string `json:"package_id"`
	Name          string `json:"name"`
	Price         string `json:"price"`
	CommissionLv1 string `json:"commission_lv1"`
	CommissionLv2 string `json:"commission_lv2"`
}

func toSnapshotDTO(s referral.PackageSnapshot) PackageSnapshotDTO {
	return PackageSnapshotDTO{
		PackageID:     string(s.PackageID),
		Name:          s.Name,
		Price:         s.Price.String(),
		CommissionLv1: s.CommissionLv1.String(),
		CommissionLv2: s.CommissionLv2.String(),
	}
}

// =============================================================================
// PURCHASES & LEDGER
// =============================================================================

type PurchaseRequest struct {
	PackageID string `json:"package_id"`
	TxHash    string `json:"tx_hash"`
}

type AssignPackageRequest struct {
	PackageID string `json:"package_id"`
}

type PurchaseResponse struct {
	Payment     TransactionDTO  `json:"payment"`
	Commissions []CommissionDTO `json:"commissions"`
}

type CommissionDTO struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	BuyerID       string             `json:"buyer_id"`
	TransactionID string             `json:"transaction_id"`
	Level         int                `json:"level"`
	Amount        string             `json:"amount"`
	Percentage    string             `json:"percentage"`
	OrderAmount   string             `json:"order_amount"`
	Status        string             `json:"status"`
	PackageInfo   PackageSnapshotDTO `json:"package_info"`
	CreatedAt     string             `json:"created_at"`
}

func toCommissionDTOs(cs []referral.Commission) []CommissionDTO {
	out := make([]CommissionDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, CommissionDTO{
			ID:            c.ID,
			UserID:        string(c.UserID),
			BuyerID:       string(c.BuyerID),
			TransactionID: string(c.TransactionID),
			Level:         int(c.Level),
			Amount:        c.Amount.String(),
			Percentage:    c.Percentage.String(),
			OrderAmount:   c.OrderAmount.String(),
			Status:        string(c.Status),
			PackageInfo:   toSnapshotDTO(c.PackageInfo),
			CreatedAt:     c.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

type BalanceHistoryDTO struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ReferenceType string `json:"reference_type,omitempty"`
	ReferenceID   string `json:"reference_id,omitempty"`
	Description   string `json:"description,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toHistoryDTOs(es []referral.BalanceHistoryEntry) []BalanceHistoryDTO {
	out := make([]BalanceHistoryDTO, 0, len(es))
	for _, e := range es {
		out = append(out, BalanceHistoryDTO{
			ID:            e.ID,
			Type:          string(e.Type),
			Amount:        e.Amount.String(),
			BalanceBefore: e.BalanceBefore.String(),
			BalanceAfter:  e.BalanceAfter.String(),
			ReferenceType: e.ReferenceType,
			ReferenceID:   e.ReferenceID,
			Description:   e.Description,
			CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

type TransactionDTO struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	Type        string              `json:"type"`
	Amount      string              `json:"amount"`
	Status      string              `json:"status"`
	TxHash      string              `json:"tx_hash,omitempty"`
	PackageInfo *PackageSnapshotDTO `json:"package_info,omitempty"`
	ReferenceID string              `json:"reference_id,omitempty"`
	Description string              `json:"description,omitempty"`
	CreatedAt   string              `json:"created_at"`
}

func toTransactionDTO(t referral.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          string(t.ID),
		UserID:      string(t.UserID),
		Type:        string(t.Type),
		Amount:      t.Amount.String(),
		Status:      string(t.Status),
		TxHash:      t.TxHash,
		ReferenceID: t.ReferenceID,
		Description: t.Description,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
	if t.PackageInfo != nil {
		snap := toSnapshotDTO(*t.PackageInfo)
		dto.PackageInfo = &snap
	}
	return dto
}

func toTransactionDTOs(ts []referral.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(ts))
	for _, t := range ts {
		out = append(out, toTransactionDTO(t))
	}
	return out
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalRequestDTO struct {
	Amount        decimal.Decimal `json:"amount"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Password      string          `json:"password"`
	TwoFactorCode string          `json:"two_factor_code,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type CompleteRequest struct {
	TxHash string `json:"tx_hash"`
}

type WithdrawalDTO struct {
	ID              string  `json:"id"`
	UserID          string  `json:"user_id"`
	Amount          string  `json:"amount"`
	WalletAddress   string  `json:"wallet_address"`
	Status          string  `json:"status"`
	TxHash          string  `json:"tx_hash,omitempty"`
	RejectionReason string  `json:"rejection_reason,omitempty"`
	ApprovedBy      string  `json:"approved_by,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty"`
	RejectedBy      string  `json:"rejected_by,omitempty"`
	RejectedAt      *string `json:"rejected_at,omitempty"`
	CompletedBy     string  `json:"completed_by,omitempty"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

func toWithdrawalDTO(w referral.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:              string(w.ID),
		UserID:          string(w.UserID),
		Amount:          w.Amount.String(),
		WalletAddress:   w.WalletAddress,
		Status:          string(w.Status),
		TxHash:          w.TxHash,
		RejectionReason: w.RejectionReason,
		ApprovedBy:      w.ApprovedBy,
		ApprovedAt:      timePtr(w.ApprovedAt),
		RejectedBy:      w.RejectedBy,
		RejectedAt:      timePtr(w.RejectedAt),
		CompletedBy:     w.CompletedBy,
		CompletedAt:     timePtr(w.CompletedAt),
		CreatedAt:       w.CreatedAt.Format(time.RFC3339),
	}
}

func toWithdrawalDTOs(ws []referral.Withdrawal) []WithdrawalDTO {
	out := make([]WithdrawalDTO, 0, len(ws))
	for _, w := range ws {
		out = append(out, toWithdrawalDTO(w))
	}
	return out
}

// =============================================================================
// ADMIN
// =============================================================================

type TransferRequest struct {
	NewParentID      string `json:"new_parent_id"`
	MoveWithChildren bool   `json:"move_with_children"`
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	TargetID  string         `json:"target_id"`
	Detail    map[string]any `json:"detail"`
	IP        string         `json:"ip,omitempty"`
	CreatedAt string         `json:"created_at"`
}

func toAuditDTOs(es []referral.AuditEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, 0, len(es))
	for _, e := range es {
		out = append(out, AuditEntryDTO{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			TargetID:  e.TargetID,
			Detail:    e.Detail,
			IP:        e.IP,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

type IntegrityDTO struct {
	OK                 bool                 `json:"ok"`
	CheckedUsers       int                  `json:"checked_users"`
	CheckedHistory     int                  `json:"checked_history"`
	CheckedCommissions int                  `json:"checked_commissions"`
	Violations         []referral.Violation `json:"violations"`
}

func toIntegrityDTO(r *referral.IntegrityReport) IntegrityDTO {
	violations := r.Violations
	if violations == nil {
		violations = []referral.Violation{}
	}
	return IntegrityDTO{
		OK:                 r.OK(),
		CheckedUsers:       r.CheckedUsers,
		CheckedHistory:     r.CheckedHistory,
		CheckedCommissions: r.CheckedCommissions,
		Violations:         violations,
	}
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func strPtr(s string) *string {
	return &s
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return strPtr(t.Format(time.RFC3339))
}

func idStrings(ids []referral.UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
