package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amurg-ai/entitle/hub/metrics"
	"github.com/amurg-ai/entitle/hub/store"
)

// Balance is a user's credit position in the current cycle.
type Balance struct {
	UserID     string    `json:"user_id"`
	Tier       string    `json:"tier"`
	Status     string    `json:"status"`
	Allotment  int       `json:"monthly_credits"`
	Used       int       `json:"credits_used"`
	Remaining  int       `json:"remaining"`
	CycleStart time.Time `json:"cycle_start"`
	CycleEnd   time.Time `json:"cycle_end"`
}

// Ledger meters credit consumption against the user's allotment. It is the
// only component that increases CreditsUsed.
type Ledger struct {
	store      store.Store
	tiers      TierResolver
	period     time.Duration // zero means one calendar month
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewLedger creates a Ledger. A zero period makes each cycle one calendar
// month long, anchored at the cycle start.
func NewLedger(st store.Store, tiers TierResolver, period time.Duration, maxRetries int, logger *slog.Logger) *Ledger {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Ledger{
		store:      st,
		tiers:      tiers,
		period:     period,
		maxRetries: maxRetries,
		logger:     logger.With("component", "ledger"),
		now:        time.Now,
	}
}

// Spend consumes amount credits for userID. A cycle that has ended is rolled
// over in the same write. A spend that does not fit the remaining balance
// fails with *InsufficientCreditsError and writes nothing.
//
// Users without a row are provisioned on the free tier.
func (l *Ledger) Spend(ctx context.Context, userID string, amount int) (Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || amount <= 0 {
		metrics.CreditSpendsTotal.WithLabelValues("invalid").Inc()
		return Balance{}, ErrInvalidAmount
	}

	var (
		next       *store.Entitlement
		rolledFrom time.Time
	)
	err := retryOnConflict(ctx, l.maxRetries, "spend", func() error {
		now := l.now().UTC()
		cur, err := l.store.GetEntitlementByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("get entitlement: %w", err)
		}

		fresh := cur == nil
		if fresh {
			cur = newFreeEntitlement(userID, l.tiers.Free(), now.Truncate(time.Second))
		}
		candidate := *cur
		rolledFrom = time.Time{}
		if l.rollover(&candidate, now) {
			rolledFrom = cur.CycleStart
		}

		if amount > candidate.MonthlyCredits-candidate.CreditsUsed {
			return &InsufficientCreditsError{Requested: amount, Remaining: candidate.Remaining()}
		}
		candidate.CreditsUsed += amount

		if fresh {
			err = l.store.CreateEntitlement(ctx, &candidate)
		} else {
			err = l.store.CompareAndSet(ctx, cur.Version, &candidate)
		}
		if err != nil {
			return err
		}
		next = &candidate
		return nil
	})
	if err != nil {
		var ice *InsufficientCreditsError
		if errors.As(err, &ice) {
			metrics.CreditSpendsTotal.WithLabelValues("insufficient").Inc()
			l.logger.Debug("spend rejected", "user_id", userID, "requested", ice.Requested, "remaining", ice.Remaining)
			return Balance{}, err
		}
		metrics.CreditSpendsTotal.WithLabelValues("error").Inc()
		l.logger.Warn("spend failed", "user_id", userID, "amount", amount, "error", err)
		return Balance{}, err
	}

	metrics.CreditSpendsTotal.WithLabelValues("ok").Inc()
	metrics.CreditsSpentTotal.Add(float64(amount))

	if !rolledFrom.IsZero() {
		l.logger.Info("credit cycle rolled over", "user_id", userID, "from", rolledFrom, "to", next.CycleStart)
		writeAudit(ctx, l.store, l.logger, next, "credits.rollover", "", map[string]any{
			"from_cycle_start": rolledFrom,
			"to_cycle_start":   next.CycleStart,
		})
	}
	writeAudit(ctx, l.store, l.logger, next, "credits.spent", "", map[string]any{
		"amount":    amount,
		"remaining": next.Remaining(),
	})
	return l.balanceOf(next), nil
}

// Balance returns the user's current position without writing. A cycle that
// has ended is shown as already rolled over.
func (l *Ledger) Balance(ctx context.Context, userID string) (Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Balance{}, ErrInvalidAmount
	}
	cur, err := l.store.GetEntitlementByUser(ctx, userID)
	if err != nil {
		return Balance{}, fmt.Errorf("get entitlement: %w", err)
	}
	now := l.now().UTC()
	if cur == nil {
		return l.balanceOf(newFreeEntitlement(userID, l.tiers.Free(), now.Truncate(time.Second))), nil
	}
	view := *cur
	l.rollover(&view, now)
	return l.balanceOf(&view), nil
}

// rollover advances e to the cycle containing now and resets usage.
// It reports whether the cycle changed.
func (l *Ledger) rollover(e *store.Entitlement, now time.Time) bool {
	if e.CycleStart.IsZero() {
		e.CycleStart = now.Truncate(time.Second)
		e.CycleAnchor = e.CycleStart
		e.CreditsUsed = 0
		return true
	}
	if now.Before(l.cycleEnd(e)) {
		return false
	}

	if l.period > 0 {
		elapsed := now.Sub(e.CycleStart) / l.period
		e.CycleStart = e.CycleStart.Add(elapsed * l.period)
	} else {
		anchor := cycleAnchorOf(e)
		n := monthsBetween(anchor, e.CycleStart)
		for !now.Before(addMonthsClamped(anchor, n+1)) {
			n++
		}
		e.CycleStart = addMonthsClamped(anchor, n)
		e.CycleAnchor = anchor
	}
	e.CreditsUsed = 0
	return true
}

func (l *Ledger) cycleEnd(e *store.Entitlement) time.Time {
	if l.period > 0 {
		return e.CycleStart.Add(l.period)
	}
	anchor := cycleAnchorOf(e)
	return addMonthsClamped(anchor, monthsBetween(anchor, e.CycleStart)+1)
}

// cycleAnchorOf returns the day-of-month anchor for calendar cycles. Rows
// written without one are anchored at their cycle start.
func cycleAnchorOf(e *store.Entitlement) time.Time {
	if e.CycleAnchor.IsZero() || e.CycleAnchor.After(e.CycleStart) {
		return e.CycleStart
	}
	return e.CycleAnchor
}

func monthsBetween(from, to time.Time) int {
	fy, fm, _ := from.Date()
	ty, tm, _ := to.Date()
	return (ty-fy)*12 + int(tm-fm)
}

// addMonthsClamped adds n calendar months to t, keeping t's day of month
// where it exists and using the month's last day otherwise.
func addMonthsClamped(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	lastDay := time.Date(y, m+time.Month(n)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	return time.Date(y, m+time.Month(n), min(d, lastDay), hh, mm, ss, t.Nanosecond(), t.Location())
}

func (l *Ledger) balanceOf(e *store.Entitlement) Balance {
	return Balance{
		UserID:     e.UserID,
		Tier:       e.Tier,
		Status:     e.Status,
		Allotment:  e.MonthlyCredits,
		Used:       e.CreditsUsed,
		Remaining:  e.Remaining(),
		CycleStart: e.CycleStart,
		CycleEnd:   l.cycleEnd(e),
	}
}
