package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides access to tenant records, credit accounts, usage logs and
// webhook dedup markers, backed by SQLite. All balance mutations go through
// WithTx; the single-writer connection plus SQLite transactions give the
// atomic read-modify-write the ledger relies on.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the tenant store database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "tenants.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open tenant store db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                     TEXT PRIMARY KEY,
		email                  TEXT NOT NULL DEFAULT '',
		display_name           TEXT NOT NULL DEFAULT '',
		plan_id                TEXT NOT NULL DEFAULT '',
		billing_status         TEXT NOT NULL DEFAULT 'none',
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		stripe_price_id        TEXT NOT NULL DEFAULT '',
		stripe_sub_item_ids    TEXT NOT NULL DEFAULT '[]',
		current_period_start   INTEGER,
		current_period_end     INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_stripe_customer_id ON tenants(stripe_customer_id);

	CREATE TABLE IF NOT EXISTS credit_accounts (
		tenant_id     TEXT PRIMARY KEY REFERENCES tenants(id),
		available     INTEGER NOT NULL DEFAULT 0,
		reserved      INTEGER NOT NULL DEFAULT 0,
		monthly_quota INTEGER NOT NULL DEFAULT 0,
		last_reset_at INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id               TEXT PRIMARY KEY,
		tenant_id        TEXT NOT NULL,
		type             TEXT NOT NULL DEFAULT '',
		source           TEXT NOT NULL DEFAULT '',
		credits_consumed INTEGER NOT NULL,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_logs_tenant_id ON usage_logs(tenant_id);

	CREATE TABLE IF NOT EXISTS webhook_events (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init tenant store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx runs fn inside a single transaction. The transaction is rolled back
// when fn returns an error, committed otherwise. Bodies must stay free of
// non-idempotent external side effects.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const tenantColumns = `id, email, display_name, plan_id, billing_status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id, stripe_sub_item_ids,
	current_period_start, current_period_end, created_at, updated_at`

// CreateTenant inserts a new tenant record.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.BillingStatus == "" {
		t.BillingStatus = BillingStatusNone
	}

	itemIDs, err := marshalItemIDs(t.StripeSubItemIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Email, t.DisplayName, t.PlanID, string(t.BillingStatus),
		t.StripeCustomerID, t.StripeSubscriptionID, t.StripePriceID, itemIDs,
		nullableTimeUnix(t.CurrentPeriodStart), nullableTimeUnix(t.CurrentPeriodEnd),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID. Returns (nil, nil) when not found.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByCustomerID retrieves a tenant by Stripe customer ID.
func (s *Store) GetTenantByCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = ?`, customerID)
	return scanTenant(row)
}

// ListBilledTenants returns all tenants that have an external customer id,
// ordered by creation time. This is the reconciliation sweep population.
func (s *Store) ListBilledTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+`
		FROM tenants WHERE stripe_customer_id != '' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list billed tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// GetCreditAccount retrieves a tenant's credit account outside a transaction.
// Returns (nil, nil) when the account has not been initialized yet.
func (s *Store) GetCreditAccount(ctx context.Context, tenantID string) (*CreditAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tenant_id, available, reserved, monthly_quota, last_reset_at, updated_at
		FROM credit_accounts WHERE tenant_id = ?`, tenantID)
	return scanCreditAccount(row)
}

// GetUsageLog retrieves a usage log entry by id. Returns (nil, nil) when absent.
func (s *Store) GetUsageLog(ctx context.Context, id string) (*UsageLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, type, source, credits_consumed, created_at
		FROM usage_logs WHERE id = ?`, id)
	return scanUsageLog(row)
}

// ListUsageLogs returns the most recent usage log entries for a tenant.
func (s *Store) ListUsageLogs(ctx context.Context, tenantID string, limit int) ([]*UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, type, source, credits_consumed, created_at
		FROM usage_logs WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		l, err := scanUsageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountByBillingStatus returns a map of billing status -> tenant count.
func (s *Store) CountByBillingStatus(ctx context.Context) (map[BillingStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT billing_status, COUNT(*) FROM tenants GROUP BY billing_status`)
	if err != nil {
		return nil, fmt.Errorf("count tenants by billing status: %w", err)
	}
	defer rows.Close()

	counts := make(map[BillingStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[BillingStatus(status)] = count
	}
	return counts, rows.Err()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var status, itemIDs string
	var periodStart, periodEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.Email, &t.DisplayName, &t.PlanID, &status,
		&t.StripeCustomerID, &t.StripeSubscriptionID, &t.StripePriceID, &itemIDs,
		&periodStart, &periodEnd, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.BillingStatus = BillingStatus(status)
	if err := json.Unmarshal([]byte(itemIDs), &t.StripeSubItemIDs); err != nil {
		return nil, fmt.Errorf("decode sub item ids: %w", err)
	}
	t.CurrentPeriodStart = nullableUnixTime(periodStart)
	t.CurrentPeriodEnd = nullableUnixTime(periodEnd)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanCreditAccount(s scanner) (*CreditAccount, error) {
	var a CreditAccount
	var lastResetAt, updatedAt int64
	err := s.Scan(&a.TenantID, &a.Available, &a.Reserved, &a.MonthlyQuota, &lastResetAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan credit account: %w", err)
	}
	a.LastResetAt = time.Unix(lastResetAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanUsageLog(s scanner) (*UsageLog, error) {
	var l UsageLog
	var createdAt int64
	err := s.Scan(&l.ID, &l.TenantID, &l.Type, &l.Source, &l.CreditsConsumed, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan usage log: %w", err)
	}
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &l, nil
}

func marshalItemIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode sub item ids: %w", err)
	}
	return string(b), nil
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableUnixTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}
