package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id TEXT PRIMARY KEY,
			customer_id TEXT UNIQUE,
			tier TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'none',
			monthly_credits INTEGER NOT NULL DEFAULT 0,
			credits_used INTEGER NOT NULL DEFAULT 0,
			cycle_start BIGINT NOT NULL,
			cycle_anchor BIGINT NOT NULL DEFAULT 0,
			last_event_id TEXT NOT NULL DEFAULT '',
			last_event_at BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

const pgEntitlementColumns = `user_id, COALESCE(customer_id, ''), tier, status, monthly_credits, credits_used,
	cycle_start, cycle_anchor, last_event_id, last_event_at, version, updated_at`

func (s *PostgresStore) GetEntitlement(ctx context.Context, customerID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgEntitlementColumns+` FROM entitlements WHERE customer_id = $1`, customerID)
	return scanEntitlement(row)
}

func (s *PostgresStore) GetEntitlementByUser(ctx context.Context, userID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgEntitlementColumns+` FROM entitlements WHERE user_id = $1`, userID)
	return scanEntitlement(row)
}

func (s *PostgresStore) CreateEntitlement(ctx context.Context, e *Entitlement) error {
	e.Version = 1
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, customer_id, tier, status, monthly_credits, credits_used,
			cycle_start, cycle_anchor, last_event_id, last_event_at, version, updated_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.UserID, e.CustomerID, e.Tier, e.Status, e.MonthlyCredits, e.CreditsUsed,
		timeUnix(e.CycleStart), timeUnix(e.CycleAnchor), e.LastEventID, timeUnix(e.LastEventAt), e.Version, timeUnix(e.UpdatedAt),
	)
	if isPgUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

func (s *PostgresStore) CompareAndSet(ctx context.Context, expectedVersion int64, next *Entitlement) error {
	updatedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements SET
			customer_id = NULLIF($1, ''), tier = $2, status = $3, monthly_credits = $4, credits_used = $5,
			cycle_start = $6, cycle_anchor = $7, last_event_id = $8, last_event_at = $9, version = version + 1,
			updated_at = $10
		 WHERE user_id = $11 AND version = $12`,
		next.CustomerID, next.Tier, next.Status, next.MonthlyCredits, next.CreditsUsed,
		timeUnix(next.CycleStart), timeUnix(next.CycleAnchor), next.LastEventID, timeUnix(next.LastEventAt), timeUnix(updatedAt),
		next.UserID, expectedVersion,
	)
	if isPgUniqueViolation(err) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = updatedAt
	return nil
}

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, user_id, customer_id, action, event_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.UserID, event.CustomerID, event.Action, event.EventID, detail, event.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, customer_id, action, event_id, detail, created_at
		 FROM audit_events WHERE user_id = $1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < $1", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
