package billing

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/amurg-ai/entitle/hub/config"
	"github.com/amurg-ai/entitle/hub/store"
)

const (
	freeAllotment  = 50
	basicAllotment = 100
	proAllotment   = 500
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		config.TierEntry{Name: "free", MonthlyCredits: freeAllotment},
		[]config.TierEntry{
			{PriceID: "price_basic", Name: "basic", MonthlyCredits: basicAllotment},
			{PriceID: "price_pro", Name: "pro", MonthlyCredits: proAllotment},
		},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func mustGetByUser(t *testing.T, s store.Store, userID string) *store.Entitlement {
	t.Helper()
	e, err := s.GetEntitlementByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetEntitlementByUser: %v", err)
	}
	if e == nil {
		t.Fatalf("no entitlement for %s", userID)
	}
	return e
}
