package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers, so compare-and-set races
	// surface as version conflicts rather than SQLITE_BUSY/LOCKED errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// sqliteDSN attaches connection pragmas. An in-memory database lives as long
// as the single pooled connection does.
func sqliteDSN(dsn string) string {
	pragmas := url.Values{
		"_pragma": []string{
			"busy_timeout(10000)",
			"foreign_keys(ON)",
		},
	}
	if !strings.Contains(dsn, ":memory:") {
		pragmas["_pragma"] = append(pragmas["_pragma"], "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + pragmas.Encode()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			user_id TEXT PRIMARY KEY,
			customer_id TEXT UNIQUE,
			tier TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'none',
			monthly_credits INTEGER NOT NULL DEFAULT 0,
			credits_used INTEGER NOT NULL DEFAULT 0,
			cycle_start INTEGER NOT NULL,
			cycle_anchor INTEGER NOT NULL DEFAULT 0,
			last_event_id TEXT NOT NULL DEFAULT '',
			last_event_at INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
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

const sqliteEntitlementColumns = `user_id, COALESCE(customer_id, ''), tier, status, monthly_credits, credits_used,
	cycle_start, cycle_anchor, last_event_id, last_event_at, version, updated_at`

func (s *SQLiteStore) GetEntitlement(ctx context.Context, customerID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntitlementColumns+` FROM entitlements WHERE customer_id = ?`, customerID)
	return scanEntitlement(row)
}

func (s *SQLiteStore) GetEntitlementByUser(ctx context.Context, userID string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntitlementColumns+` FROM entitlements WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

func (s *SQLiteStore) CreateEntitlement(ctx context.Context, e *Entitlement) error {
	e.Version = 1
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entitlements (user_id, customer_id, tier, status, monthly_credits, credits_used,
			cycle_start, cycle_anchor, last_event_id, last_event_at, version, updated_at)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.CustomerID, e.Tier, e.Status, e.MonthlyCredits, e.CreditsUsed,
		timeUnix(e.CycleStart), timeUnix(e.CycleAnchor), e.LastEventID, timeUnix(e.LastEventAt), e.Version, timeUnix(e.UpdatedAt),
	)
	if isSQLiteUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

func (s *SQLiteStore) CompareAndSet(ctx context.Context, expectedVersion int64, next *Entitlement) error {
	updatedAt := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitlements SET
			customer_id = NULLIF(?, ''), tier = ?, status = ?, monthly_credits = ?, credits_used = ?,
			cycle_start = ?, cycle_anchor = ?, last_event_id = ?, last_event_at = ?, version = version + 1, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		next.CustomerID, next.Tier, next.Status, next.MonthlyCredits, next.CreditsUsed,
		timeUnix(next.CycleStart), timeUnix(next.CycleAnchor), next.LastEventID, timeUnix(next.LastEventAt), timeUnix(updatedAt),
		next.UserID, expectedVersion,
	)
	if isSQLiteUniqueViolation(err) {
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

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.CustomerID, event.Action, event.EventID, detail, event.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, customer_id, action, event_id, detail, created_at
		 FROM audit_events WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntitlement is shared by both SQL stores; timestamps are unix seconds.
func scanEntitlement(row rowScanner) (*Entitlement, error) {
	var (
		e                                   Entitlement
		cycleStart, cycleAnchor, lastEventAt, updatedAt int64
	)
	err := row.Scan(&e.UserID, &e.CustomerID, &e.Tier, &e.Status, &e.MonthlyCredits, &e.CreditsUsed,
		&cycleStart, &cycleAnchor, &e.LastEventID, &lastEventAt, &e.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.CycleStart = unixOrZero(cycleStart)
	e.CycleAnchor = unixOrZero(cycleAnchor)
	e.LastEventAt = unixOrZero(lastEventAt)
	e.UpdatedAt = unixOrZero(updatedAt)
	return &e, nil
}

func scanAuditEvents(rows *sql.Rows) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		var (
			ev        AuditEvent
			detail    string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.CustomerID, &ev.Action, &ev.EventID, &detail, &createdAt); err != nil {
			return nil, err
		}
		if detail != "" {
			ev.Detail = []byte(detail)
		}
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
