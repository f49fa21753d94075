package billing

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amurg-ai/entitle/hub/store"
)

func newTestLedger(t *testing.T, period time.Duration) (*Ledger, *store.SQLiteStore, *fakeClock) {
	t.Helper()
	s := newTestStore(t)
	clock := &fakeClock{t: time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)}
	l := NewLedger(s, testCatalog(t), period, 5, testLogger())
	l.now = clock.Now
	return l, s, clock
}

func TestSpendProvisionsFreeTier(t *testing.T) {
	l, s, clock := newTestLedger(t, 0)

	bal, err := l.Spend(context.Background(), "user-1", 5)
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if bal.Tier != "free" || bal.Allotment != freeAllotment || bal.Used != 5 || bal.Remaining != freeAllotment-5 {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if !bal.CycleStart.Equal(clock.t) {
		t.Fatalf("expected cycle to start now, got %v", bal.CycleStart)
	}
	if want := clock.t.AddDate(0, 1, 0); !bal.CycleEnd.Equal(want) {
		t.Fatalf("expected cycle end %v, got %v", want, bal.CycleEnd)
	}

	e := mustGetByUser(t, s, "user-1")
	if e.Status != store.StatusNone || e.CreditsUsed != 5 {
		t.Fatalf("unexpected stored row %+v", e)
	}
}

func TestSpendCeiling(t *testing.T) {
	l, s, _ := newTestLedger(t, 0)
	ctx := context.Background()

	for _, amount := range []int{20, 20} {
		if _, err := l.Spend(ctx, "user-1", amount); err != nil {
			t.Fatalf("Spend(%d): %v", amount, err)
		}
	}

	_, err := l.Spend(ctx, "user-1", 11)
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) || ice.Remaining != 10 || ice.Requested != 11 {
		t.Fatalf("expected remaining 10, got %+v", ice)
	}
	if e := mustGetByUser(t, s, "user-1"); e.CreditsUsed != 40 {
		t.Fatalf("rejected spend changed usage to %d", e.CreditsUsed)
	}

	bal, err := l.Spend(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("exact spend: %v", err)
	}
	if bal.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", bal.Remaining)
	}
}

func TestSpendRejectsInvalidAmount(t *testing.T) {
	l, s, _ := newTestLedger(t, 0)
	ctx := context.Background()

	for _, tt := range []struct {
		user   string
		amount int
	}{{"user-1", 0}, {"user-1", -3}, {"  ", 1}} {
		if _, err := l.Spend(ctx, tt.user, tt.amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Spend(%q, %d): expected ErrInvalidAmount, got %v", tt.user, tt.amount, err)
		}
	}
	if e, _ := s.GetEntitlementByUser(ctx, "user-1"); e != nil {
		t.Fatalf("invalid spend provisioned a row: %+v", e)
	}
}

func TestSpendOverAllotmentDoesNotProvision(t *testing.T) {
	l, s, _ := newTestLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Spend(ctx, "user-1", freeAllotment+1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if e, _ := s.GetEntitlementByUser(ctx, "user-1"); e != nil {
		t.Fatalf("rejected spend provisioned a row: %+v", e)
	}
}

func TestSpendRollsOverCycle(t *testing.T) {
	l, s, clock := newTestLedger(t, 0)
	ctx := context.Background()

	start := clock.t
	if _, err := l.Spend(ctx, "user-1", 45); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Spend(ctx, "user-1", 10); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ceiling before rollover, got %v", err)
	}

	clock.Advance(32 * 24 * time.Hour)
	bal, err := l.Spend(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("Spend after rollover: %v", err)
	}
	if bal.Used != 10 {
		t.Fatalf("expected usage reset before spend, got %d", bal.Used)
	}
	if want := start.AddDate(0, 1, 0); !bal.CycleStart.Equal(want) {
		t.Fatalf("expected cycle start %v, got %v", want, bal.CycleStart)
	}

	events, err := s.ListAuditEvents(ctx, "user-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	var rollovers int
	for _, ev := range events {
		if ev.Action == "credits.rollover" {
			rollovers++
		}
	}
	if rollovers != 1 {
		t.Fatalf("expected one rollover audit entry, got %d", rollovers)
	}
}

func TestSpendCalendarCyclesKeepAnchorDay(t *testing.T) {
	l, s, clock := newTestLedger(t, 0)
	ctx := context.Background()

	clock.t = time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC)
	if _, err := l.Spend(ctx, "user-1", 1); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			now:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2026, 3, 31, 11, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC),
		},
		{
			now:       time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
			wantStart: time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2026, 5, 31, 10, 0, 0, 0, time.UTC),
		},
	}
	for _, step := range steps {
		clock.t = step.now
		bal, err := l.Spend(ctx, "user-1", 1)
		if err != nil {
			t.Fatalf("Spend at %v: %v", step.now, err)
		}
		if !bal.CycleStart.Equal(step.wantStart) || !bal.CycleEnd.Equal(step.wantEnd) {
			t.Fatalf("at %v: cycle [%v, %v), want [%v, %v)", step.now, bal.CycleStart, bal.CycleEnd, step.wantStart, step.wantEnd)
		}
		if bal.Used != 1 {
			t.Fatalf("at %v: expected usage reset, got %d", step.now, bal.Used)
		}
	}

	e := mustGetByUser(t, s, "user-1")
	if want := time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC); !e.CycleAnchor.Equal(want) {
		t.Fatalf("expected anchor %v to survive rollovers, got %v", want, e.CycleAnchor)
	}
}

func TestAddMonthsClamped(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 8, 30, 0, 0, time.UTC)
	tests := []struct {
		n    int
		want time.Time
	}{
		{0, jan31},
		{1, time.Date(2026, 2, 28, 8, 30, 0, 0, time.UTC)},
		{2, time.Date(2026, 3, 31, 8, 30, 0, 0, time.UTC)},
		{3, time.Date(2026, 4, 30, 8, 30, 0, 0, time.UTC)},
		{13, time.Date(2027, 2, 28, 8, 30, 0, 0, time.UTC)},
		{25, time.Date(2028, 2, 29, 8, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := addMonthsClamped(jan31, tt.n); !got.Equal(tt.want) {
			t.Errorf("addMonthsClamped(+%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestSpendRollsOverSeveralFixedPeriods(t *testing.T) {
	l, _, clock := newTestLedger(t, 7*24*time.Hour)
	ctx := context.Background()

	start := clock.t
	if _, err := l.Spend(ctx, "user-1", 50); err != nil {
		t.Fatal(err)
	}

	clock.Advance(22 * 24 * time.Hour)
	bal, err := l.Spend(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if want := start.Add(21 * 24 * time.Hour); !bal.CycleStart.Equal(want) {
		t.Fatalf("expected cycle start %v, got %v", want, bal.CycleStart)
	}
	if bal.Used != 1 {
		t.Fatalf("expected usage 1, got %d", bal.Used)
	}
}

func TestBalanceProjectsRolloverWithoutWriting(t *testing.T) {
	l, s, clock := newTestLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Spend(ctx, "user-1", 30); err != nil {
		t.Fatal(err)
	}
	before := mustGetByUser(t, s, "user-1")

	clock.Advance(40 * 24 * time.Hour)
	bal, err := l.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Used != 0 || bal.Remaining != freeAllotment {
		t.Fatalf("expected projected reset, got %+v", bal)
	}

	after := mustGetByUser(t, s, "user-1")
	if *before != *after {
		t.Fatalf("Balance wrote to the store")
	}
}

func TestBalanceUnknownUser(t *testing.T) {
	l, s, _ := newTestLedger(t, 0)

	bal, err := l.Balance(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.Tier != "free" || bal.Remaining != freeAllotment || bal.Status != store.StatusNone {
		t.Fatalf("unexpected balance %+v", bal)
	}
	if e, _ := s.GetEntitlementByUser(context.Background(), "ghost"); e != nil {
		t.Fatal("Balance provisioned a row")
	}
}

func TestSpendUsesPaidAllotment(t *testing.T) {
	s := newTestStore(t)
	catalog := testCatalog(t)
	r := NewReconciler(s, catalog, 5, testLogger())
	l := NewLedger(s, catalog, 0, 5, testLogger())
	ctx := context.Background()

	ev := subEvent("evt_1", EventSubscriptionCreated, time.Now(), "price_basic")
	ev.PeriodStart = time.Now().UTC().Truncate(time.Second)
	if _, err := r.Apply(ctx, ev); err != nil {
		t.Fatal(err)
	}

	bal, err := l.Spend(ctx, "user-1", 90)
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if bal.Tier != "basic" || bal.Remaining != basicAllotment-90 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestSpendConcurrentNeverExceedsAllotment(t *testing.T) {
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	l := NewLedger(s, testCatalog(t), 0, 50, testLogger())
	ctx := context.Background()

	if _, err := l.Spend(ctx, "user-1", 1); err != nil {
		t.Fatal(err)
	}

	const workers = 20
	var (
		wg         sync.WaitGroup
		ok         atomic.Int32
		rejections atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Spend(ctx, "user-1", 5)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				rejections.Add(1)
			default:
				t.Errorf("Spend: %v", err)
			}
		}()
	}
	wg.Wait()

	// 49 credits left fit nine spends of 5.
	if ok.Load() != 9 || rejections.Load() != workers-9 {
		t.Fatalf("expected 9 successes, got %d ok / %d rejected", ok.Load(), rejections.Load())
	}
	if e := mustGetByUser(t, s, "user-1"); e.CreditsUsed != 46 {
		t.Fatalf("expected 46 used, got %d", e.CreditsUsed)
	}
}
