package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// EventType is the provider-neutral kind of a subscription event.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"

	// EventIgnored marks a verified event that carries no entitlement change.
	EventIgnored EventType = "ignored"
)

// Event is a verified provider event.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string // e.g. "customer.subscription.updated"
	CustomerID   string
	UserID       string // from subscription metadata; may be empty
	PriceID      string // empty on deletion
	Status       string // provider subscription status
	Created      time.Time
	PeriodStart  time.Time // start of the billing period the event refers to; zero when unknown
}

// Marker returns the event's position in the per-customer ordering.
func (e *Event) Marker() Marker {
	return Marker{At: e.Created, ID: e.ID}
}

// Marker orders events for a single customer: by provider creation time,
// then by event ID to break ties deterministically.
type Marker struct {
	At time.Time
	ID string
}

// After reports whether m sorts strictly after o.
func (m Marker) After(o Marker) bool {
	if !m.At.Equal(o.At) {
		return m.At.After(o.At)
	}
	return m.ID > o.ID
}

// IsZero reports whether no event has been recorded.
func (m Marker) IsZero() bool {
	return m.At.IsZero() && m.ID == ""
}

// subscriptionObject is the subset of a Stripe subscription the hub reads.
type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// firstPriceID returns the price ID from the first subscription item.
func (s *subscriptionObject) firstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// periodStart prefers the item-level period (current API versions) and falls
// back to the subscription-level field.
func (s *subscriptionObject) periodStart() time.Time {
	for _, item := range s.Items.Data {
		if item.CurrentPeriodStart > 0 {
			return time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
	}
	if s.CurrentPeriodStart > 0 {
		return time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	return time.Time{}
}

// expandableID accepts either an ID string or an expanded object with an "id" field.
type expandableID string

func (x *expandableID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*x = ""
		return nil
	}
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*x = expandableID(obj.ID)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*x = expandableID(s)
	return nil
}

// eventTypeFor maps a provider event type and subscription status to the
// internal event type. Subscriptions that ended are treated as deletions;
// subscriptions still awaiting their first payment grant nothing yet.
func eventTypeFor(providerType, status string) EventType {
	var t EventType
	switch providerType {
	case "customer.subscription.created":
		t = EventSubscriptionCreated
	case "customer.subscription.updated":
		t = EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	default:
		return EventIgnored
	}

	switch strings.ToLower(strings.TrimSpace(status)) {
	case "canceled", "incomplete_expired", "unpaid":
		return EventSubscriptionDeleted
	case "incomplete", "paused":
		return EventIgnored
	}
	return t
}
