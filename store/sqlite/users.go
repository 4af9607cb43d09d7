package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// USERS
// =============================================================================

type userRow struct {
	ID                string          `db:"id"`
	Email             string          `db:"email"`
	Username          string          `db:"username"`
	RefCode           string          `db:"ref_code"`
	PasswordHash      string          `db:"password_hash"`
	WalletAddress     string          `db:"wallet_address"`
	IdentityNumber    string          `db:"identity_number"`
	TwoFactorEnabled  bool            `db:"two_factor_enabled"`
	ParentID          sql.NullString  `db:"parent_id"`
	Ancestors         string          `db:"ancestors"`
	DirectReferrals   int             `db:"direct_referrals"`
	WalletBalance     decimal.Decimal `db:"wallet_balance"`
	TotalEarnings     decimal.Decimal `db:"total_earnings"`
	PackagesPurchased int             `db:"packages_purchased"`
	ActivePackageID   sql.NullString  `db:"active_package_id"`
	IsDeleted         bool            `db:"is_deleted"`
	DeletedAt         sql.NullString  `db:"deleted_at"`
	CreatedAt         string          `db:"created_at"`
	UpdatedAt         string          `db:"updated_at"`
}

const userColumns = `id, email, username, ref_code, password_hash, wallet_address,
	identity_number, two_factor_enabled, parent_id, ancestors, direct_referrals,
	wallet_balance, total_earnings, packages_purchased, active_package_id,
	is_deleted, deleted_at, created_at, updated_at`

func (r userRow) toUser() (referral.User, error) {
	u := referral.User{
		ID:                referral.UserID(r.ID),
		Email:             r.Email,
		Username:          r.Username,
		RefCode:           r.RefCode,
		PasswordHash:      r.PasswordHash,
		WalletAddress:     r.WalletAddress,
		IdentityNumber:    r.IdentityNumber,
		TwoFactorEnabled:  r.TwoFactorEnabled,
		DirectReferrals:   r.DirectReferrals,
		WalletBalance:     r.WalletBalance,
		TotalEarnings:     r.TotalEarnings,
		PackagesPurchased: r.PackagesPurchased,
		IsDeleted:         r.IsDeleted,
		DeletedAt:         parseNullTime(r.DeletedAt),
		CreatedAt:         parseTime(r.CreatedAt),
		UpdatedAt:         parseTime(r.UpdatedAt),
	}
	if r.ParentID.Valid {
		p := referral.UserID(r.ParentID.String)
		u.ParentID = &p
	}
	if r.ActivePackageID.Valid {
		p := referral.PackageID(r.ActivePackageID.String)
		u.ActivePackageID = &p
	}
	u.Ancestors = []referral.UserID{}
	if err := json.Unmarshal([]byte(r.Ancestors), &u.Ancestors); err != nil {
		return referral.User{}, err
	}
	return u, nil
}

func encodeAncestors(ids []referral.UserID) (string, error) {
	if ids == nil {
		ids = []referral.UserID{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}

func (r *repo) CreateUser(ctx context.Context, u *referral.User) error {
	ancestors, err := encodeAncestors(u.Ancestors)
	if err != nil {
		return err
	}
	var parentID, activePkg sql.NullString
	if u.ParentID != nil {
		parentID = nullString(string(*u.ParentID))
	}
	if u.ActivePackageID != nil {
		activePkg = nullString(string(*u.ActivePackageID))
	}

	_, err = sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :username, :ref_code, :password_hash, :wallet_address,
			:identity_number, :two_factor_enabled, :parent_id, :ancestors, :direct_referrals,
			:wallet_balance, :total_earnings, :packages_purchased, :active_package_id,
			:is_deleted, :deleted_at, :created_at, :updated_at)`,
		userRow{
			ID:                string(u.ID),
			Email:             u.Email,
			Username:          u.Username,
			RefCode:           u.RefCode,
			PasswordHash:      u.PasswordHash,
			WalletAddress:     u.WalletAddress,
			IdentityNumber:    u.IdentityNumber,
			TwoFactorEnabled:  u.TwoFactorEnabled,
			ParentID:          parentID,
			Ancestors:         ancestors,
			DirectReferrals:   u.DirectReferrals,
			WalletBalance:     u.WalletBalance,
			TotalEarnings:     u.TotalEarnings,
			PackagesPurchased: u.PackagesPurchased,
			ActivePackageID:   activePkg,
			IsDeleted:         u.IsDeleted,
			DeletedAt:         nullTime(u.DeletedAt),
			CreatedAt:         formatTime(u.CreatedAt),
			UpdatedAt:         formatTime(u.UpdatedAt),
		})
	if isUniqueViolation(err) {
		return duplicateIdentity(err, u)
	}
	return referral.Persistence("create user", err)
}

func duplicateIdentity(err error, u *referral.User) error {
	column := violatedColumn(err)
	for _, f := range []struct {
		field, value string
	}{
		{"email", u.Email},
		{"username", u.Username},
		{"ref_code", u.RefCode},
		{"wallet_address", u.WalletAddress},
		{"identity_number", u.IdentityNumber},
		{"id", string(u.ID)},
	} {
		if strings.Contains(column, "users."+f.field) {
			return &referral.DuplicateIdentityError{Field: f.field, Value: f.value}
		}
	}
	return &referral.DuplicateIdentityError{Field: column}
}

func (r *repo) getUser(ctx context.Context, op, query string, args ...any) (*referral.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, r.q, &row, query, args...); err != nil {
		return nil, err
	}
	u, err := row.toUser()
	if err != nil {
		return nil, referral.Persistence(op, err)
	}
	return &u, nil
}

func (r *repo) GetUser(ctx context.Context, id referral.UserID) (*referral.User, error) {
	u, err := r.getUser(ctx, "get user", `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &referral.NotFoundError{Kind: "user", ID: string(id)}
	}
	return u, referral.Persistence("get user", err)
}

func (r *repo) FindUserByRefCode(ctx context.Context, code string) (*referral.User, error) {
	u, err := r.getUser(ctx, "find user by ref code",
		`SELECT `+userColumns+` FROM users WHERE ref_code = ? AND is_deleted = 0`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &referral.NotFoundError{Kind: "user", ID: code}
	}
	return u, referral.Persistence("find user by ref code", err)
}

func (r *repo) selectUsers(ctx context.Context, op, query string, args ...any) ([]referral.User, error) {
	var rows []userRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence(op, err)
	}
	users := make([]referral.User, 0, len(rows))
	for _, row := range rows {
		u, err := row.toUser()
		if err != nil {
			return nil, referral.Persistence(op, err)
		}
		users = append(users, u)
	}
	return users, nil
}

func (r *repo) ListChildren(ctx context.Context, parentID referral.UserID) ([]referral.User, error) {
	return r.selectUsers(ctx, "list children", `
		SELECT `+userColumns+` FROM users
		WHERE parent_id = ? AND is_deleted = 0
		ORDER BY created_at, rowid`, parentID)
}

func (r *repo) ListDescendants(ctx context.Context, id referral.UserID) ([]referral.User, error) {
	return r.selectUsers(ctx, "list descendants", `
		SELECT `+userColumns+` FROM users
		WHERE is_deleted = 0
		  AND EXISTS (SELECT 1 FROM json_each(users.ancestors) WHERE json_each.value = ?)
		ORDER BY created_at, rowid`, id)
}

func (r *repo) ListUsers(ctx context.Context, includeDeleted bool) ([]referral.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	return r.selectUsers(ctx, "list users", query+` ORDER BY created_at, rowid`)
}

// execOne runs an UPDATE that must touch exactly one user.
func (r *repo) execOne(ctx context.Context, op string, id referral.UserID, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return referral.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return referral.Persistence(op, err)
	}
	if n == 0 {
		return &referral.NotFoundError{Kind: "user", ID: string(id)}
	}
	return nil
}

func (r *repo) UpdateLineage(ctx context.Context, id referral.UserID, parentID *referral.UserID, ancestors []referral.UserID, at time.Time) error {
	encoded, err := encodeAncestors(ancestors)
	if err != nil {
		return err
	}
	var parent sql.NullString
	if parentID != nil {
		parent = nullString(string(*parentID))
	}
	return r.execOne(ctx, "update lineage", id,
		`UPDATE users SET parent_id = ?, ancestors = ?, updated_at = ? WHERE id = ?`,
		parent, encoded, formatTime(at), id)
}

func (r *repo) AdjustDirectReferrals(ctx context.Context, id referral.UserID, delta int, at time.Time) error {
	return r.execOne(ctx, "adjust direct referrals", id,
		`UPDATE users SET direct_referrals = MAX(0, direct_referrals + ?), updated_at = ? WHERE id = ?`,
		delta, formatTime(at), id)
}

// AdjustBalance must run inside a transaction; Store.AdjustBalance opens one.
func (r *repo) AdjustBalance(ctx context.Context, id referral.UserID, delta referral.BalanceDelta, at time.Time) (referral.BalanceChange, error) {
	u, err := r.GetUser(ctx, id)
	if err != nil {
		return referral.BalanceChange{}, err
	}
	change, err := referral.ApplyBalanceDelta(u, delta)
	if err != nil {
		return referral.BalanceChange{}, err
	}
	err = r.execOne(ctx, "adjust balance", id,
		`UPDATE users SET wallet_balance = ?, total_earnings = ?, updated_at = ? WHERE id = ?`,
		u.WalletBalance, u.TotalEarnings, formatTime(at), id)
	if err != nil {
		return referral.BalanceChange{}, err
	}
	return change, nil
}

func (r *repo) MarkPackagePurchased(ctx context.Context, id referral.UserID, packageID referral.PackageID, at time.Time) error {
	return r.execOne(ctx, "mark package purchased", id, `
		UPDATE users
		SET packages_purchased = packages_purchased + 1, active_package_id = ?, updated_at = ?
		WHERE id = ?`,
		packageID, formatTime(at), id)
}

func (r *repo) SoftDeleteUser(ctx context.Context, id referral.UserID, at time.Time) error {
	return r.execOne(ctx, "soft delete user", id, `
		UPDATE users
		SET is_deleted = 1, deleted_at = ?, direct_referrals = 0, updated_at = ?
		WHERE id = ?`,
		formatTime(at), formatTime(at), id)
}
