// Package store defines the entitlement storage interface and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrVersionConflict is returned by CompareAndSet when the stored row no
// longer carries the expected version, and by CreateEntitlement when the
// user or customer key is already taken.
var ErrVersionConflict = errors.New("entitlement version conflict")

// Entitlement statuses.
const (
	StatusNone     = "none"
	StatusActive   = "active"
	StatusCanceled = "canceled"
)

// Store is the persistence interface for entitlements.
//
// Lookups return (nil, nil) when no row matches.
type Store interface {
	// Entitlements
	GetEntitlement(ctx context.Context, customerID string) (*Entitlement, error)
	GetEntitlementByUser(ctx context.Context, userID string) (*Entitlement, error)
	CreateEntitlement(ctx context.Context, e *Entitlement) error
	CompareAndSet(ctx context.Context, expectedVersion int64, next *Entitlement) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error)

	// Data retention
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Entitlement is the stored record of a user's tier and credit usage.
// A row is identified by UserID; CustomerID is unique when set.
type Entitlement struct {
	UserID         string    `json:"user_id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Tier           string    `json:"tier"`
	Status         string    `json:"status"` // "none", "active", "canceled"
	MonthlyCredits int       `json:"monthly_credits"`
	CreditsUsed    int       `json:"credits_used"`
	CycleStart     time.Time `json:"cycle_start"`
	CycleAnchor    time.Time `json:"cycle_anchor"` // calendar cycles fall on this day of month
	LastEventID    string    `json:"last_event_id,omitempty"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remaining returns the unspent credits in the current cycle, never negative.
func (e *Entitlement) Remaining() int {
	if r := e.MonthlyCredits - e.CreditsUsed; r > 0 {
		return r
	}
	return 0
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	CustomerID string          `json:"customer_id,omitempty"`
	Action     string          `json:"action"`
	EventID    string          `json:"event_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func timeUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
