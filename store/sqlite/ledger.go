package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// PACKAGES
// =============================================================================

type packageRow struct {
	ID            string          `db:"id"`
	Name          string          `db:"name"`
	Price         decimal.Decimal `db:"price"`
	CommissionLv1 decimal.Decimal `db:"commission_lv1"`
	CommissionLv2 decimal.Decimal `db:"commission_lv2"`
	Active        bool            `db:"active"`
	CreatedAt     string          `db:"created_at"`
	UpdatedAt     string          `db:"updated_at"`
}

func (r packageRow) toPackage() referral.Package {
	return referral.Package{
		ID:            referral.PackageID(r.ID),
		Name:          r.Name,
		Price:         r.Price,
		CommissionLv1: r.CommissionLv1,
		CommissionLv2: r.CommissionLv2,
		Active:        r.Active,
		CreatedAt:     parseTime(r.CreatedAt),
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

func (r *repo) SavePackage(ctx context.Context, p referral.Package) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO packages (id, name, price, commission_lv1, commission_lv2, active, created_at, updated_at)
		VALUES (:id, :name, :price, :commission_lv1, :commission_lv2, :active, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price,
			commission_lv1 = excluded.commission_lv1,
			commission_lv2 = excluded.commission_lv2,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		packageRow{
			ID:            string(p.ID),
			Name:          p.Name,
			Price:         p.Price,
			CommissionLv1: p.CommissionLv1,
			CommissionLv2: p.CommissionLv2,
			Active:        p.Active,
			CreatedAt:     formatTime(p.CreatedAt),
			UpdatedAt:     formatTime(p.UpdatedAt),
		})
	return referral.Persistence("save package", err)
}

const packageColumns = `id, name, price, commission_lv1, commission_lv2, active, created_at, updated_at`

func (r *repo) GetPackage(ctx context.Context, id referral.PackageID) (*referral.Package, error) {
	var row packageRow
	err := sqlx.GetContext(ctx, r.q, &row, `SELECT `+packageColumns+` FROM packages WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &referral.NotFoundError{Kind: "package", ID: string(id)}
	}
	if err != nil {
		return nil, referral.Persistence("get package", err)
	}
	p := row.toPackage()
	return &p, nil
}

func (r *repo) ListPackages(ctx context.Context) ([]referral.Package, error) {
	var rows []packageRow
	if err := sqlx.SelectContext(ctx, r.q, &rows,
		`SELECT `+packageColumns+` FROM packages ORDER BY created_at, rowid`); err != nil {
		return nil, referral.Persistence("list packages", err)
	}
	out := make([]referral.Package, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPackage())
	}
	return out, nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

type commissionRow struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	BuyerID       string          `db:"buyer_id"`
	TransactionID string          `db:"transaction_id"`
	Level         int             `db:"level"`
	Amount        decimal.Decimal `db:"amount"`
	Percentage    decimal.Decimal `db:"percentage"`
	OrderAmount   decimal.Decimal `db:"order_amount"`
	Status        string          `db:"status"`
	PackageInfo   string          `db:"package_info"`
	CreatedAt     string          `db:"created_at"`
}

const commissionColumns = `id, user_id, buyer_id, transaction_id, level, amount, percentage,
	order_amount, status, package_info, created_at`

func (r *repo) CreateCommission(ctx context.Context, c referral.Commission) error {
	info, err := json.Marshal(c.PackageInfo)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (:id, :user_id, :buyer_id, :transaction_id, :level, :amount, :percentage,
			:order_amount, :status, :package_info, :created_at)`,
		commissionRow{
			ID:            c.ID,
			UserID:        string(c.UserID),
			BuyerID:       string(c.BuyerID),
			TransactionID: string(c.TransactionID),
			Level:         int(c.Level),
			Amount:        c.Amount,
			Percentage:    c.Percentage,
			OrderAmount:   c.OrderAmount,
			Status:        string(c.Status),
			PackageInfo:   string(info),
			CreatedAt:     formatTime(c.CreatedAt),
		})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s level %d", referral.ErrDuplicateCommission, c.TransactionID, c.Level)
	}
	return referral.Persistence("create commission", err)
}

func (r *repo) ListCommissions(ctx context.Context, f referral.CommissionFilter) ([]referral.Commission, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where, args = append(where, "user_id = ?"), append(args, f.UserID)
	}
	if f.BuyerID != "" {
		where, args = append(where, "buyer_id = ?"), append(args, f.BuyerID)
	}
	if f.TransactionID != "" {
		where, args = append(where, "transaction_id = ?"), append(args, f.TransactionID)
	}
	query := `SELECT ` + commissionColumns + ` FROM commissions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, rowid`

	var rows []commissionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence("list commissions", err)
	}
	out := make([]referral.Commission, 0, len(rows))
	for _, row := range rows {
		c := referral.Commission{
			ID:            row.ID,
			UserID:        referral.UserID(row.UserID),
			BuyerID:       referral.UserID(row.BuyerID),
			TransactionID: referral.TransactionID(row.TransactionID),
			Level:         referral.CommissionLevel(row.Level),
			Amount:        row.Amount,
			Percentage:    row.Percentage,
			OrderAmount:   row.OrderAmount,
			Status:        referral.CommissionStatus(row.Status),
			CreatedAt:     parseTime(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.PackageInfo), &c.PackageInfo); err != nil {
			return nil, referral.Persistence("list commissions", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// =============================================================================
// BALANCE HISTORY
// =============================================================================

type historyRow struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	Type          string          `db:"type"`
	Amount        decimal.Decimal `db:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after"`
	ReferenceType string          `db:"reference_type"`
	ReferenceID   string          `db:"reference_id"`
	Description   string          `db:"description"`
	CreatedAt     string          `db:"created_at"`
}

const historyColumns = `id, user_id, type, amount, balance_before, balance_after,
	reference_type, reference_id, description, created_at`

func (r *repo) AppendBalanceHistory(ctx context.Context, e referral.BalanceHistoryEntry) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO balance_history (`+historyColumns+`)
		VALUES (:id, :user_id, :type, :amount, :balance_before, :balance_after,
			:reference_type, :reference_id, :description, :created_at)`,
		historyRow{
			ID:            e.ID,
			UserID:        string(e.UserID),
			Type:          string(e.Type),
			Amount:        e.Amount,
			BalanceBefore: e.BalanceBefore,
			BalanceAfter:  e.BalanceAfter,
			ReferenceType: e.ReferenceType,
			ReferenceID:   e.ReferenceID,
			Description:   e.Description,
			CreatedAt:     formatTime(e.CreatedAt),
		})
	return referral.Persistence("append balance history", err)
}

func (r *repo) ListBalanceHistory(ctx context.Context, userID referral.UserID) ([]referral.BalanceHistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM balance_history`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, rowid`

	var rows []historyRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence("list balance history", err)
	}
	out := make([]referral.BalanceHistoryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, referral.BalanceHistoryEntry{
			ID:            row.ID,
			UserID:        referral.UserID(row.UserID),
			Type:          referral.HistoryType(row.Type),
			Amount:        row.Amount,
			BalanceBefore: row.BalanceBefore,
			BalanceAfter:  row.BalanceAfter,
			ReferenceType: row.ReferenceType,
			ReferenceID:   row.ReferenceID,
			Description:   row.Description,
			CreatedAt:     parseTime(row.CreatedAt),
		})
	}
	return out, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type transactionRow struct {
	ID          string          `db:"id"`
	UserID      string          `db:"user_id"`
	Type        string          `db:"type"`
	Amount      decimal.Decimal `db:"amount"`
	Status      string          `db:"status"`
	TxHash      sql.NullString  `db:"tx_hash"`
	PackageID   sql.NullString  `db:"package_id"`
	PackageInfo sql.NullString  `db:"package_info"`
	ReferenceID string          `db:"reference_id"`
	Description string          `db:"description"`
	CreatedAt   string          `db:"created_at"`
}

const transactionColumns = `id, user_id, type, amount, status, tx_hash, package_id,
	package_info, reference_id, description, created_at`

func (r *repo) CreateTransaction(ctx context.Context, t referral.Transaction) error {
	row := transactionRow{
		ID:          string(t.ID),
		UserID:      string(t.UserID),
		Type:        string(t.Type),
		Amount:      t.Amount,
		Status:      string(t.Status),
		TxHash:      nullString(t.TxHash),
		ReferenceID: t.ReferenceID,
		Description: t.Description,
		CreatedAt:   formatTime(t.CreatedAt),
	}
	if t.PackageID != nil {
		row.PackageID = nullString(string(*t.PackageID))
	}
	if t.PackageInfo != nil {
		info, err := json.Marshal(t.PackageInfo)
		if err != nil {
			return err
		}
		row.PackageInfo = nullString(string(info))
	}

	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (:id, :user_id, :type, :amount, :status, :tx_hash, :package_id,
			:package_info, :reference_id, :description, :created_at)`, row)
	if isUniqueViolation(err) && strings.Contains(violatedColumn(err), "tx_hash") {
		return fmt.Errorf("%w: %s", referral.ErrDuplicateTxHash, t.TxHash)
	}
	return referral.Persistence("create transaction", err)
}

func (r *repo) ListTransactions(ctx context.Context, userID referral.UserID) ([]referral.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, rowid`

	var rows []transactionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, query, args...); err != nil {
		return nil, referral.Persistence("list transactions", err)
	}
	out := make([]referral.Transaction, 0, len(rows))
	for _, row := range rows {
		t := referral.Transaction{
			ID:          referral.TransactionID(row.ID),
			UserID:      referral.UserID(row.UserID),
			Type:        referral.TransactionType(row.Type),
			Amount:      row.Amount,
			Status:      referral.TransactionStatus(row.Status),
			TxHash:      row.TxHash.String,
			ReferenceID: row.ReferenceID,
			Description: row.Description,
			CreatedAt:   parseTime(row.CreatedAt),
		}
		if row.PackageID.Valid {
			id := referral.PackageID(row.PackageID.String)
			t.PackageID = &id
		}
		if row.PackageInfo.Valid {
			var snap referral.PackageSnapshot
			if err := json.Unmarshal([]byte(row.PackageInfo.String), &snap); err != nil {
				return nil, referral.Persistence("list transactions", err)
			}
			t.PackageInfo = &snap
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *repo) exists(ctx context.Context, op, query string, args ...any) (bool, error) {
	var found bool
	if err := sqlx.GetContext(ctx, r.q, &found, query, args...); err != nil {
		return false, referral.Persistence(op, err)
	}
	return found, nil
}

func (r *repo) HasCompletedPayment(ctx context.Context, userID referral.UserID) (bool, error) {
	return r.exists(ctx, "has completed payment", `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE user_id = ? AND type = 'payment' AND status = 'completed'
		)`, userID)
}

func (r *repo) PaymentHashExists(ctx context.Context, hash string) (bool, error) {
	return r.exists(ctx, "payment hash exists", `
		SELECT EXISTS (
			SELECT 1 FROM transactions WHERE tx_hash = ? AND type = 'payment'
		)`, hash)
}
