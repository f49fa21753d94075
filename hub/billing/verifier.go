package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the request header carrying the provider signature.
const SignatureHeader = "Stripe-Signature"

// Verifier authenticates webhook payloads and decodes them into Events.
// It is the only gate in front of state mutation for inbound writes.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a Verifier for the endpoint secret. Signatures older
// than tolerance are rejected as stale.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance, now: time.Now}
}

// Verify checks the signature header against the raw payload and returns the
// decoded event. Errors match ErrInvalidSignature, ErrStaleEvent or ErrMalformedEvent.
func (v *Verifier) Verify(payload []byte, sigHeader string) (*Event, error) {
	if strings.TrimSpace(v.secret) == "" || strings.TrimSpace(sigHeader) == "" {
		return nil, ErrInvalidSignature
	}

	raw, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case errors.Is(err, webhook.ErrTooOld):
		return nil, ErrStaleEvent
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature):
		return nil, ErrInvalidSignature
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if raw.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	created := time.Unix(raw.Created, 0).UTC()
	if created.After(v.now().Add(v.tolerance)) {
		return nil, fmt.Errorf("%w: event created in the future", ErrStaleEvent)
	}

	ev := &Event{
		ID:           raw.ID,
		ProviderType: string(raw.Type),
		Created:      created,
	}
	ev.Type = eventTypeFor(ev.ProviderType, "")
	if ev.Type == EventIgnored {
		return ev, nil
	}

	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	var sub subscriptionObject
	if err := json.Unmarshal(raw.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrMalformedEvent, err)
	}

	ev.CustomerID = strings.TrimSpace(string(sub.Customer))
	if ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no customer", ErrMalformedEvent, sub.ID)
	}
	ev.Status = sub.Status
	ev.UserID = strings.TrimSpace(sub.Metadata["user_id"])
	ev.PeriodStart = sub.periodStart()
	ev.Type = eventTypeFor(ev.ProviderType, sub.Status)
	if ev.Type != EventSubscriptionDeleted {
		ev.PriceID = sub.firstPriceID()
	}
	return ev, nil
}
