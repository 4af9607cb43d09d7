package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// WITHDRAWALS
// =============================================================================

type withdrawalRow struct {
	ID              string          `db:"id"`
	UserID          string          `db:"user_id"`
	Amount          decimal.Decimal `db:"amount"`
	WalletAddress   string          `db:"wallet_address"`
	Status          string          `db:"status"`
	TxHash          string          `db:"tx_hash"`
	RejectionReason string          `db:"rejection_reason"`
	ApprovedBy      string          `db:"approved_by"`
	ApprovedAt      sql.NullString  `db:"approved_at"`
	RejectedBy      string          `db:"rejected_by"`
	RejectedAt      sql.NullString  `db:"rejected_at"`
	CompletedBy     string          `db:"completed_by"`
	CompletedAt     sql.NullString  `db:"completed_at"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

const withdrawalColumns = `id, user_id, amount, wallet_address, status, tx_hash,
	rejection_reason, approved_by, approved_at, rejected_by, rejected_at,
	completed_by, completed_at, created_at, updated_at`

func toWithdrawalRow(w referral.Withdrawal) withdrawalRow {
	return withdrawalRow{
		ID:              string(w.ID),
		UserID:          string(w.UserID),
		Amount:          w.Amount,
		WalletAddress:   w.WalletAddress,
		Status:          string(w.Status),
		TxHash:          w.TxHash,
		RejectionReason: w.RejectionReason,
		ApprovedBy:      w.ApprovedBy,
		ApprovedAt:      nullTime(w.ApprovedAt),
		RejectedBy:      w.RejectedBy,
		RejectedAt:      nullTime(w.RejectedAt),
		CompletedBy:     w.CompletedBy,
		CompletedAt:     nullTime(w.CompletedAt),
		CreatedAt:       formatTime(w.CreatedAt),
		UpdatedAt:       formatTime(w.UpdatedAt),
	}
}

func (r withdrawalRow) toWithdrawal() referral.Withdrawal {
	return referral.Withdrawal{
		ID:              referral.WithdrawalID(r.ID),
		UserID:          referral.UserID(r.UserID),
		Amount:          r.Amount,
		WalletAddress:   r.WalletAddress,
		Status:          referral.WithdrawalStatus(r.Status),
		TxHash:          r.TxHash,
		RejectionReason: r.RejectionReason,
		ApprovedBy:      r.ApprovedBy,
		ApprovedAt:      parseNullTime(r.ApprovedAt),
		RejectedBy:      r.RejectedBy,
		RejectedAt:      parseNullTime(r.RejectedAt),
		CompletedBy:     r.CompletedBy,
		CompletedAt:     parseNullTime(r.CompletedAt),
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
}

func (r *repo) CreateWithdrawal(ctx context.Context, w referral.Withdrawal) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (:id, :user_id, :amount, :wallet_address, :status, :tx_hash,
			:rejection_reason, :approved_by, :approved_at, :rejected_by, :rejected_at,
			:completed_by, :completed_at, :created_at, :updated_at)`,
		toWithdrawalRow(w))
	return referral.Persistence("create withdrawal", err)
}

func (r *repo) GetWithdrawal(ctx context.Context, id referral.WithdrawalID) (*referral.Withdrawal, error) {
	var row withdrawalRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &referral.NotFoundError{Kind: "withdrawal", ID: string(id)}
	}
	if err != nil {
		return nil, referral.Persistence("get withdrawal", err)
	}
	w := row.toWithdrawal()
	return &w, nil
}

func (r *repo) ListWithdrawals(ctx context.Context, f referral.WithdrawalFilter) ([]referral.Withdrawal, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where, args = append(where, "user_id = ?"), append(args, f.UserID)
	}
	if f.Status != "" {
		where, args = append(where, "status = ?"), append(args, f.Status)
	}
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, rowid`

	var rows []withdrawalRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence("list withdrawals", err)
	}
	out := make([]referral.Withdrawal, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toWithdrawal())
	}
	return out, nil
}

// TransitionWithdrawal saves w only while the stored status is still from.
func (r *repo) TransitionWithdrawal(ctx context.Context, w referral.Withdrawal, from referral.WithdrawalStatus) error {
	row := toWithdrawalRow(w)
	res, err := r.q.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = ?, tx_hash = ?, rejection_reason = ?,
			approved_by = ?, approved_at = ?, rejected_by = ?, rejected_at = ?,
			completed_by = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		row.Status, row.TxHash, row.RejectionReason,
		row.ApprovedBy, row.ApprovedAt, row.RejectedBy, row.RejectedAt,
		row.CompletedBy, row.CompletedAt, row.UpdatedAt,
		row.ID, string(from))
	if err != nil {
		return referral.Persistence("transition withdrawal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return referral.Persistence("transition withdrawal", err)
	}
	if n == 0 {
		return &referral.InvalidStateError{WithdrawalID: w.ID, Expected: from}
	}
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRow struct {
	ID        string `db:"id"`
	ActorID   string `db:"actor_id"`
	Action    string `db:"action"`
	TargetID  string `db:"target_id"`
	Detail    string `db:"detail"`
	IP        string `db:"ip"`
	CreatedAt string `db:"created_at"`
}

func (r *repo) AppendAudit(ctx context.Context, e referral.AuditEntry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	encoded, err := json.Marshal(detail)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO audit_log (id, actor_id, action, target_id, detail, ip, created_at)
		VALUES (:id, :actor_id, :action, :target_id, :detail, :ip, :created_at)`,
		auditRow{
			ID:        e.ID,
			ActorID:   e.ActorID,
			Action:    string(e.Action),
			TargetID:  e.TargetID,
			Detail:    string(encoded),
			IP:        e.IP,
			CreatedAt: formatTime(e.CreatedAt),
		})
	return referral.Persistence("append audit", err)
}

// ListAudit returns matching entries, newest first.
func (r *repo) ListAudit(ctx context.Context, f referral.AuditFilter) ([]referral.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.ActorID != "" {
		where, args = append(where, "actor_id = ?"), append(args, f.ActorID)
	}
	if f.TargetID != "" {
		where, args = append(where, "target_id = ?"), append(args, f.TargetID)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT id, actor_id, action, target_id, detail, ip, created_at FROM audit_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []auditRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence("list audit", err)
	}
	out := make([]referral.AuditEntry, 0, len(rows))
	for _, row := range rows {
		e := referral.AuditEntry{
			ID:        row.ID,
			ActorID:   row.ActorID,
			Action:    referral.AuditAction(row.Action),
			TargetID:  row.TargetID,
			IP:        row.IP,
			CreatedAt: parseTime(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.Detail), &e.Detail); err != nil {
			return nil, referral.Persistence("list audit", err)
		}
		out = append(out, e)
	}
	return out, nil
}
