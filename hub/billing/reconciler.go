package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amurg-ai/entitle/hub/metrics"
	"github.com/amurg-ai/entitle/hub/store"
)

// Outcome describes what Apply did with an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeReplayed Outcome = "replayed" // duplicate or out-of-order delivery, no change
	OutcomeIgnored  Outcome = "ignored"  // verified but irrelevant to entitlements
)

const defaultMaxRetries = 5

// Reconciler applies verified provider events to the entitlement store.
// Every write is a compare-and-set on a single row; lost races are retried
// against fresh state a bounded number of times.
type Reconciler struct {
	store      store.Store
	tiers      TierResolver
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

// NewReconciler creates a Reconciler. maxRetries bounds the compare-and-set
// retries per event.
func NewReconciler(st store.Store, tiers TierResolver, maxRetries int, logger *slog.Logger) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Reconciler{
		store:      st,
		tiers:      tiers,
		logger:     logger.With("component", "reconciler"),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Apply brings the customer's entitlement in line with ev. Replays and
// events older than the last applied one succeed without changing state.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (Outcome, error) {
	log := r.logger.With("event_id", ev.ID, "event_type", string(ev.Type), "customer_id", ev.CustomerID)

	if ev.Type == EventIgnored {
		metrics.ReconcileTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		log.Debug("event ignored", "provider_type", ev.ProviderType)
		return OutcomeIgnored, nil
	}

	// Resolve before touching the store so an unknown price never mutates state.
	var tier Tier
	if ev.Type != EventSubscriptionDeleted {
		var err error
		tier, err = r.tiers.Resolve(ev.PriceID)
		if err != nil {
			metrics.ReconcileTotal.WithLabelValues("error").Inc()
			log.Error("tier resolution failed", "price_id", ev.PriceID, "error", err)
			return "", err
		}
	}

	var (
		outcome Outcome
		prev    *store.Entitlement
		next    *store.Entitlement
	)
	err := retryOnConflict(ctx, r.maxRetries, "reconcile", func() error {
		cur, err := r.load(ctx, ev)
		if err != nil {
			return err
		}

		if cur == nil {
			if ev.UserID == "" {
				if ev.Type == EventSubscriptionDeleted {
					outcome = OutcomeIgnored
					return nil
				}
				return fmt.Errorf("%w: %s", ErrUnknownCustomer, ev.CustomerID)
			}
			base := newFreeEntitlement(ev.UserID, r.tiers.Free(), r.cycleAnchor(ev))
			next = transition(base, ev, tier, r.tiers.Free())
			if err := r.store.CreateEntitlement(ctx, next); err != nil {
				return err
			}
			prev, outcome = base, OutcomeApplied
			return nil
		}

		if !ev.Marker().After(markerOf(cur)) {
			prev, next, outcome = cur, cur, OutcomeReplayed
			return nil
		}

		next = transition(cur, ev, tier, r.tiers.Free())
		if err := r.store.CompareAndSet(ctx, cur.Version, next); err != nil {
			return err
		}
		prev, outcome = cur, OutcomeApplied
		return nil
	})
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		switch {
		case errors.Is(err, ErrUnknownCustomer), errors.Is(err, ErrCustomerMismatch):
			log.Error("event cannot be attributed to a user", "user_id", ev.UserID, "error", err)
		default:
			log.Warn("reconcile failed", "error", err)
		}
		return "", err
	}

	metrics.ReconcileTotal.WithLabelValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeReplayed:
		log.Debug("event already applied or superseded", "user_id", next.UserID, "last_event_id", next.LastEventID)
	case OutcomeIgnored:
		log.Debug("deletion for unknown customer ignored")
	case OutcomeApplied:
		log.Info("entitlement updated",
			"user_id", next.UserID, "tier", next.Tier, "status", next.Status,
			"credits_used", next.CreditsUsed, "monthly_credits", next.MonthlyCredits)
		r.audit(ctx, next, "subscription.applied", ev.ID, map[string]any{
			"event_type":   ev.Type,
			"from_tier":    prev.Tier,
			"to_tier":      next.Tier,
			"credits_used": next.CreditsUsed,
			"cycle_start":  next.CycleStart,
		})
	}
	return outcome, nil
}

// load finds the row the event refers to, by customer first and then by the
// user named in the subscription metadata.
func (r *Reconciler) load(ctx context.Context, ev *Event) (*store.Entitlement, error) {
	cur, err := r.store.GetEntitlement(ctx, ev.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if cur != nil {
		if ev.UserID != "" && cur.UserID != ev.UserID {
			return nil, fmt.Errorf("%w: customer %s belongs to user %s, event names %s",
				ErrCustomerMismatch, ev.CustomerID, cur.UserID, ev.UserID)
		}
		return cur, nil
	}
	if ev.UserID == "" {
		return nil, nil
	}

	cur, err = r.store.GetEntitlementByUser(ctx, ev.UserID)
	if err != nil {
		return nil, fmt.Errorf("get entitlement by user: %w", err)
	}
	if cur != nil && cur.CustomerID != "" && cur.CustomerID != ev.CustomerID {
		return nil, fmt.Errorf("%w: user %s is linked to customer %s", ErrCustomerMismatch, ev.UserID, cur.CustomerID)
	}
	return cur, nil
}

func (r *Reconciler) cycleAnchor(ev *Event) time.Time {
	if !ev.PeriodStart.IsZero() {
		return ev.PeriodStart
	}
	return r.now().UTC().Truncate(time.Second)
}

// Link binds a provider customer to a user ahead of any subscription event.
// Linking the same pair again is a no-op; remapping either side is rejected.
func (r *Reconciler) Link(ctx context.Context, userID, customerID string) (*store.Entitlement, error) {
	userID, customerID = strings.TrimSpace(userID), strings.TrimSpace(customerID)
	if userID == "" || customerID == "" {
		return nil, ErrInvalidLink
	}

	var (
		result  *store.Entitlement
		changed bool
	)
	err := retryOnConflict(ctx, r.maxRetries, "link", func() error {
		owner, err := r.store.GetEntitlement(ctx, customerID)
		if err != nil {
			return fmt.Errorf("get entitlement: %w", err)
		}
		if owner != nil {
			if owner.UserID != userID {
				return fmt.Errorf("%w: customer %s belongs to user %s", ErrCustomerMismatch, customerID, owner.UserID)
			}
			result, changed = owner, false
			return nil
		}

		cur, err := r.store.GetEntitlementByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("get entitlement by user: %w", err)
		}
		if cur == nil {
			next := newFreeEntitlement(userID, r.tiers.Free(), r.now().UTC().Truncate(time.Second))
			next.CustomerID = customerID
			if err := r.store.CreateEntitlement(ctx, next); err != nil {
				return err
			}
			result, changed = next, true
			return nil
		}
		if cur.CustomerID != "" {
			return fmt.Errorf("%w: user %s is linked to customer %s", ErrCustomerMismatch, userID, cur.CustomerID)
		}

		next := *cur
		next.CustomerID = customerID
		if err := r.store.CompareAndSet(ctx, cur.Version, &next); err != nil {
			return err
		}
		result, changed = &next, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.logger.Info("customer linked", "user_id", userID, "customer_id", customerID)
		r.audit(ctx, result, "customer.linked", "", nil)
	}
	return result, nil
}

func (r *Reconciler) audit(ctx context.Context, e *store.Entitlement, action, eventID string, detail map[string]any) {
	writeAudit(ctx, r.store, r.logger, e, action, eventID, detail)
}

// transition computes the next state of cur under ev. It never mutates cur.
func transition(cur *store.Entitlement, ev *Event, tier, free Tier) *store.Entitlement {
	next := *cur
	next.CustomerID = ev.CustomerID
	next.LastEventID = ev.ID
	next.LastEventAt = ev.Created

	switch ev.Type {
	case EventSubscriptionDeleted:
		// Downgrade keeps usage up to the free allotment; overspend is not forgiven.
		next.Tier = free.Name
		next.Status = store.StatusCanceled
		next.MonthlyCredits = free.MonthlyCredits
		next.CreditsUsed = min(cur.CreditsUsed, free.MonthlyCredits)
	default:
		next.Tier = tier.Name
		next.Status = store.StatusActive
		next.MonthlyCredits = tier.MonthlyCredits
		// Usage resets only when the provider reports a later billing period.
		// The ledger may already have rolled the cycle past an older one.
		if ev.PeriodStart.After(cur.CycleStart) {
			next.CycleStart = ev.PeriodStart
			next.CycleAnchor = ev.PeriodStart
			next.CreditsUsed = 0
		}
	}
	return &next
}

func markerOf(e *store.Entitlement) Marker {
	return Marker{At: e.LastEventAt, ID: e.LastEventID}
}

func newFreeEntitlement(userID string, free Tier, cycleStart time.Time) *store.Entitlement {
	return &store.Entitlement{
		UserID:         userID,
		Tier:           free.Name,
		Status:         store.StatusNone,
		MonthlyCredits: free.MonthlyCredits,
		CycleStart:     cycleStart,
		CycleAnchor:    cycleStart,
	}
}

// retryOnConflict runs fn until it returns something other than a version
// conflict, for at most retries+1 attempts.
func retryOnConflict(ctx context.Context, retries int, operation string, fn func() error) error {
	attempts := retries + 1
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflictsTotal.WithLabelValues(operation).Inc()
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrContention, attempts, store.ErrVersionConflict)
}

// writeAudit records an audit entry. Failures are logged and otherwise ignored.
func writeAudit(ctx context.Context, st store.Store, logger *slog.Logger, e *store.Entitlement, action, eventID string, detail map[string]any) {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err == nil {
			raw = b
		}
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := st.LogAuditEvent(ctx, &store.AuditEvent{
		UserID:     e.UserID,
		CustomerID: e.CustomerID,
		Action:     action,
		EventID:    eventID,
		Detail:     raw,
	}); err != nil {
		logger.Warn("audit write failed", "action", action, "user_id", e.UserID, "error", err)
	}
}
