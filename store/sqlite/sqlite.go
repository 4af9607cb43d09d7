/*
Package sqlite provides a SQLite-backed referral.TxStore.

PURPOSE:
  Persists the referral graph, the commission ledger, withdrawals and the
  admin audit log. Every operation of the referral core runs unchanged on
  this store or on the in-memory one.

KEY TABLES:
  users:           tree vertices + wallet accounts (soft-deleted, never removed)
  packages:        validator packages on sale
  commissions:     append-only, UNIQUE(transaction_id, level)
  balance_history: append-only audit of every wallet change
  transactions:    display ledger, unique payment tx_hash
  withdrawals:     request state machine
  audit_log:       admin actions

CONSTRAINTS DONE BY THE DATABASE:
  - identity uniqueness among live users: partial unique indexes
    WHERE is_deleted = 0
  - one commission per (transaction, level)
  - global payment tx hash de-duplication
  - withdrawal transitions: UPDATE ... WHERE id = ? AND status = ?

UNIT OF WORK:
  WithTx opens a BEGIN IMMEDIATE transaction (_txlock=immediate) and hands fn
  a Store bound to it. The pool holds a single connection, so units of work
  are serialized and balance read-modify-write cannot lose updates.

VALUE ENCODING:
  decimals:  TEXT (decimal.Decimal implements Scanner/Valuer)
  times:     TEXT, UTC, fixed-width nanosecond layout (sorts lexically)
  ancestors: JSON array of ids, queried with json_each

MIGRATION:
  Schema is versioned with golang-migrate; SQL files are embedded from
  migrations/ and applied on New().

USAGE:
  store, err := sqlite.New("./data/referrals.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - referral/store.go: interface definitions
  - referral/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/referral-engine/referral"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// timeLayout is fixed width so TEXT comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements referral.TxStore using SQLite.
type Store struct {
	*repo
	db *sqlx.DB
}

var _ referral.TxStore = (*Store)(nil)

// repo runs every query against q, which is either the pool or an open tx.
type repo struct {
	q sqlx.ExtContext
}

// New opens (or creates) the database at dbPath and applies migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serializes units of work and keeps ":memory:" alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an already-migrated connection.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{repo: &repo{q: db}, db: db}
}

func migrateUp(db *sqlx.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := msqlite.WithInstance(db.DB, &msqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would close db through the driver.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(referral.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return referral.Persistence("begin tx", err)
	}
	if err := fn(&repo{q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return referral.Persistence("commit tx", err)
	}
	return nil
}

// AdjustBalance reads and writes the balance, so outside a unit of work it
// opens its own.
func (s *Store) AdjustBalance(ctx context.Context, id referral.UserID, delta referral.BalanceDelta, at time.Time) (referral.BalanceChange, error) {
	var change referral.BalanceChange
	err := s.WithTx(ctx, func(st referral.Store) error {
		var err error
		change, err = st.AdjustBalance(ctx, id, delta, at)
		return err
	})
	return change, err
}

// Reset deletes all data (demo scenarios).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st referral.Store) error {
		r := st.(*repo)
		for _, table := range []string{
			"audit_log", "withdrawals", "balance_history", "commissions",
			"transactions", "users", "packages",
		} {
			if _, err := r.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return referral.Persistence("reset "+table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// violatedColumn returns "table.column" from a UNIQUE failure message.
func violatedColumn(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, "UNIQUE constraint failed: "); i >= 0 {
		return strings.TrimSpace(msg[i+len("UNIQUE constraint failed: "):])
	}
	return ""
}
