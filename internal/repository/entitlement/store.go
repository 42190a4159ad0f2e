// Package entitlement persists account balances, the append-only balance
// audit trail, and usage records in Postgres. Every balance mutation goes
// through ApplyDelta so the audit trail stays complete; there is no code path
// that writes a balance column directly.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"

	"github.com/copychief/relay/internal/domain"
	"github.com/copychief/relay/internal/domain/balance"
	"github.com/copychief/relay/internal/domain/usage"
)

// Field names a mutable balance column.
type Field string

// Balance fields addressable by ApplyDelta.
const (
	FieldMonthly  Field = "monthly_allowance"
	FieldExtra    Field = "purchased_credits"
	FieldConsumed Field = "consumed"
)

// columns whitelists fields for SQL interpolation.
var columns = map[Field]struct{}{
	FieldMonthly:  {},
	FieldExtra:    {},
	FieldConsumed: {},
}

// Store is the Postgres entitlement store.
type Store struct {
	conn   *sql.DB
	logger *zap.Logger
}

// New connects to Postgres and verifies the connection.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("entitlement store ping: %w", err)
	}

	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close entitlement store: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Migrate creates the entitlement tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS account_balances (
			account_id        TEXT PRIMARY KEY,
			monthly_allowance BIGINT NOT NULL DEFAULT 0,
			purchased_credits BIGINT NOT NULL DEFAULT 0,
			consumed          BIGINT NOT NULL DEFAULT 0,
			cycle_started_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS balance_audit (
			id         BIGSERIAL PRIMARY KEY,
			account_id TEXT NOT NULL,
			field      TEXT NOT NULL,
			delta      BIGINT NOT NULL,
			reason     TEXT NOT NULL,
			actor_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id                BIGSERIAL PRIMARY KEY,
			account_id        TEXT NOT NULL,
			feature           TEXT NOT NULL,
			prompt_tokens     BIGINT NOT NULL,
			completion_tokens BIGINT NOT NULL,
			total_tokens      BIGINT NOT NULL,
			estimated         BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_audit_account ON balance_audit (account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_account ON usage_records (account_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateAccount inserts a fresh balance row with the default allowance.
// Creating an existing account is a no-op.
func (s *Store) CreateAccount(ctx context.Context, accountID string, monthlyAllowance int64) error {
	const q = `
		INSERT INTO account_balances (account_id, monthly_allowance)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`
	if _, err := s.conn.ExecContext(ctx, q, accountID, monthlyAllowance); err != nil {
		return fmt.Errorf("create account %s: %w", accountID, err)
	}
	return nil
}

// ReadBalance returns the current balance snapshot for an account.
func (s *Store) ReadBalance(ctx context.Context, accountID string) (balance.Balance, error) {
	const q = `
		SELECT monthly_allowance, purchased_credits, consumed
		FROM account_balances
		WHERE account_id = $1
	`
	var monthly, extra, consumed int64
	err := s.conn.QueryRowContext(ctx, q, accountID).Scan(&monthly, &extra, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return balance.Balance{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return balance.Balance{}, fmt.Errorf("read balance %s: %w", accountID, err)
	}
	return balance.New(monthly, extra, consumed), nil
}

// ApplyDelta atomically applies a balance delta and appends the audit row in
// one transaction. The increment happens inside the database, never as
// read-modify-write in application code. Returns the resulting balance.
func (s *Store) ApplyDelta(
	ctx context.Context, accountID string, field Field, delta int64, reason, actorID string,
) (balance.Balance, error) {
	if _, ok := columns[field]; !ok {
		return balance.Balance{}, fmt.Errorf("apply delta: unknown field %q", field)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return balance.Balance{}, fmt.Errorf("apply delta begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Field name comes from the whitelist above, not from caller input.
	update := fmt.Sprintf(`
		UPDATE account_balances
		SET %s = %s + $1, updated_at = NOW()
		WHERE account_id = $2
		RETURNING monthly_allowance, purchased_credits, consumed
	`, field, field)

	var monthly, extra, consumed int64
	err = tx.QueryRowContext(ctx, update, delta, accountID).Scan(&monthly, &extra, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return balance.Balance{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return balance.Balance{}, fmt.Errorf("apply delta update %s: %w", accountID, err)
	}

	const audit = `
		INSERT INTO balance_audit (account_id, field, delta, reason, actor_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.ExecContext(ctx, audit, accountID, string(field), delta, reason, actorID); err != nil {
		return balance.Balance{}, fmt.Errorf("apply delta audit %s: %w", accountID, err)
	}

	if err := tx.Commit(); err != nil {
		return balance.Balance{}, fmt.Errorf("apply delta commit %s: %w", accountID, err)
	}

	return balance.New(monthly, extra, consumed), nil
}

// AddConsumed atomically increments the consumed counter and returns the
// resulting balance.
func (s *Store) AddConsumed(
	ctx context.Context, accountID string, tokens int64, reason, actorID string,
) (balance.Balance, error) {
	return s.ApplyDelta(ctx, accountID, FieldConsumed, tokens, reason, actorID)
}

// ResetMonthly zeroes the consumed counter at the start of a billing cycle,
// with its own audit entry. Driven by an external scheduler.
func (s *Store) ResetMonthly(ctx context.Context, accountID string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset monthly begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const update = `
		UPDATE account_balances
		SET consumed = 0, cycle_started_at = NOW(), updated_at = NOW()
		WHERE account_id = $1
		RETURNING consumed
	`
	var consumed int64
	err = tx.QueryRowContext(ctx, update, accountID).Scan(&consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("reset monthly %s: %w", accountID, err)
	}

	const audit = `
		INSERT INTO balance_audit (account_id, field, delta, reason, actor_id)
		VALUES ($1, $2, 0, 'monthly_reset', 'scheduler')
	`
	if _, err := tx.ExecContext(ctx, audit, accountID, string(FieldConsumed)); err != nil {
		return fmt.Errorf("reset monthly audit %s: %w", accountID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset monthly commit %s: %w", accountID, err)
	}
	return nil
}

// AppendUsage writes an immutable usage audit record.
func (s *Store) AppendUsage(ctx context.Context, rec usage.Record) error {
	const q = `
		INSERT INTO usage_records
			(account_id, feature, prompt_tokens, completion_tokens, total_tokens, estimated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.conn.ExecContext(ctx, q,
		rec.AccountID,
		string(rec.Feature),
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.Total(),
		rec.Estimated,
		time.UnixMilli(rec.Timestamp).UTC(),
	)
	if err != nil {
		return fmt.Errorf("append usage %s: %w", rec.AccountID, err)
	}
	return nil
}
