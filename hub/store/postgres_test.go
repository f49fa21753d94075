package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping Postgres tests")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestPostgresMigration verifies that migrations run without error on a fresh database.
func TestPostgresMigration(t *testing.T) {
	s := newTestPostgresStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestPostgresEntitlementFlow exercises create -> link customer -> stale CAS.
func TestPostgresEntitlementFlow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	userID := "user_test_" + uuid.New().String()[:8]
	customerID := "cus_test_" + uuid.New().String()[:8]

	e := &Entitlement{
		UserID: userID, Tier: "free", Status: StatusNone, MonthlyCredits: 50,
		CycleStart: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateEntitlement(ctx, e); err != nil {
		t.Fatalf("CreateEntitlement: %v", err)
	}
	if err := s.CreateEntitlement(ctx, e); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("CreateEntitlement (duplicate): err = %v, want ErrVersionConflict", err)
	}

	next := *e
	next.CustomerID = customerID
	next.Tier = "tier-2"
	next.Status = StatusActive
	next.MonthlyCredits = 200
	if err := s.CompareAndSet(ctx, 1, &next); err != nil {
		t.Fatalf("CompareAndSet: %v", err)
	}

	got, err := s.GetEntitlement(ctx, customerID)
	if err != nil {
		t.Fatalf("GetEntitlement: %v", err)
	}
	if got == nil || got.UserID != userID || got.Tier != "tier-2" || got.Version != 2 {
		t.Fatalf("unexpected row: %+v", got)
	}
	if !got.CycleStart.Equal(e.CycleStart) {
		t.Errorf("cycle_start = %v, want %v", got.CycleStart, e.CycleStart)
	}

	if err := s.CompareAndSet(ctx, 1, &next); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale CAS: err = %v, want ErrVersionConflict", err)
	}

	if err := s.LogAuditEvent(ctx, &AuditEvent{UserID: userID, CustomerID: customerID, Action: "customer.linked"}); err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}
	events, err := s.ListAuditEvents(ctx, userID, 10)
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d audit events, want 1", len(events))
	}
}
