// Package stripe turns signed Stripe webhooks for ticket checkouts into
// quotaledger purchase events.
package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ineyio/quotaledger"
)

// Source is recorded on every purchase entry created from a checkout.
const Source = "stripe_checkout"

// legacyPackSeconds is granted by old checkouts that carry neither packId
// nor packSeconds.
const legacyPackSeconds = 1800

// ErrNotTicketPurchase is returned for events that are valid but do not
// grant tickets (subscriptions, other event types). Callers acknowledge
// them without crediting.
var ErrNotTicketPurchase = errors.New("quotaledger/stripe: not a ticket purchase")

// ErrNotSubscription is returned by PlanFromEvent for events that are not
// customer.subscription.* events.
var ErrNotSubscription = errors.New("quotaledger/stripe: not a subscription event")

// ErrSubscriptionOwnerUnknown is returned for subscription events without a
// uid in their metadata. Callers acknowledge them so Stripe stops retrying.
var ErrSubscriptionOwnerUnknown = errors.New("quotaledger/stripe: subscription has no uid")

// Verifier is a quotaledger.PurchaseVerifier for Stripe webhooks.
type Verifier struct {
	secret                string
	tickets               quotaledger.TicketsConfig
	ignoreVersionMismatch bool
	now                   func() time.Time
}

var _ quotaledger.PurchaseVerifier = (*Verifier)(nil)

// Option configures a Verifier.
type Option func(*Verifier)

// WithIgnoreAPIVersionMismatch accepts events rendered for another API
// version than the one this library was built against.
func WithIgnoreAPIVersionMismatch() Option {
	return func(v *Verifier) { v.ignoreVersionMismatch = true }
}

// WithClock sets the time stamped on purchase events.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier using the webhook signing secret and the
// ticket pack catalog.
func NewVerifier(secret string, tickets quotaledger.TicketsConfig, opts ...Option) *Verifier {
	v := &Verifier{
		secret:  secret,
		tickets: tickets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the Stripe-Signature header and converts the event.
func (v *Verifier) Verify(payload []byte, signature string) (quotaledger.PurchaseEvent, error) {
	event, err := v.VerifyEvent(payload, signature)
	if err != nil {
		return quotaledger.PurchaseEvent{}, err
	}
	return v.PurchaseFromEvent(event)
}

// VerifyEvent checks the Stripe-Signature header and returns the decoded
// event for callers that dispatch on its type.
func (v *Verifier) VerifyEvent(payload []byte, signature string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", quotaledger.ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: v.ignoreVersionMismatch,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", quotaledger.ErrSignatureInvalid, err)
	}
	return event, nil
}

// IsSubscriptionEvent reports whether the event changes a subscription.
func IsSubscriptionEvent(event stripe.Event) bool {
	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		return true
	}
	return false
}

// PlanFromEvent converts a customer.subscription.* event into a plan
// change. An active or trialing subscription grants pro; any other status,
// and a deleted subscription, falls back to free.
func (v *Verifier) PlanFromEvent(event stripe.Event) (quotaledger.PlanChange, error) {
	if !IsSubscriptionEvent(event) || event.Data == nil {
		return quotaledger.PlanChange{}, ErrNotSubscription
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return quotaledger.PlanChange{}, fmt.Errorf("quotaledger/stripe: parse subscription: %w", err)
	}
	uid := sub.Metadata["uid"]
	if uid == "" {
		return quotaledger.PlanChange{}, fmt.Errorf("%w: subscription %q", ErrSubscriptionOwnerUnknown, sub.ID)
	}

	ch := quotaledger.PlanChange{
		UID:                uid,
		Plan:               quotaledger.PlanFree,
		SubscriptionStatus: string(sub.Status),
		Now:                v.now(),
	}
	switch {
	case event.Type == "customer.subscription.deleted":
		ch.SubscriptionStatus = string(stripe.SubscriptionStatusCanceled)
	case sub.Status == stripe.SubscriptionStatusActive, sub.Status == stripe.SubscriptionStatusTrialing:
		ch.Plan = quotaledger.PlanPro
	}
	if sub.Customer != nil {
		ch.CustomerID = sub.Customer.ID
	}
	return ch, nil
}

// PurchaseFromEvent converts an already verified event. Only paid
// checkout.session.completed events in payment mode with ticket metadata
// grant seconds. The checkout session id is the idempotency key.
func (v *Verifier) PurchaseFromEvent(event stripe.Event) (quotaledger.PurchaseEvent, error) {
	if event.Type != "checkout.session.completed" || event.Data == nil {
		return quotaledger.PurchaseEvent{}, ErrNotTicketPurchase
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return quotaledger.PurchaseEvent{}, fmt.Errorf("%w: parse session: %v", quotaledger.ErrTicketEventUnknown, err)
	}

	kind := session.Metadata["type"]
	if session.Mode != stripe.CheckoutSessionModePayment || (kind != "ticket" && kind != "ticket_purchase") {
		return quotaledger.PurchaseEvent{}, ErrNotTicketPurchase
	}

	uid := session.ClientReferenceID
	if uid == "" {
		uid = session.Metadata["uid"]
	}
	if uid == "" || session.ID == "" {
		return quotaledger.PurchaseEvent{}, fmt.Errorf("%w: session %q has no uid", quotaledger.ErrTicketEventUnknown, session.ID)
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return quotaledger.PurchaseEvent{}, fmt.Errorf("%w: payment_status=%s", quotaledger.ErrPaymentNotConfirmed, session.PaymentStatus)
	}

	packID := session.Metadata["packId"]
	seconds, err := v.packSeconds(packID, session.Metadata["packSeconds"])
	if err != nil {
		return quotaledger.PurchaseEvent{}, err
	}

	ev := quotaledger.PurchaseEvent{
		UID:             uid,
		ExternalEventID: session.ID,
		Seconds:         seconds,
		Source:          Source,
		PackID:          packID,
		Now:             v.now(),
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	return ev, nil
}

func (v *Verifier) packSeconds(packID, legacy string) (int64, error) {
	if packID != "" {
		seconds, ok := v.tickets.PackSeconds(packID)
		if !ok {
			return 0, fmt.Errorf("%w: unknown pack %q", quotaledger.ErrTicketEventUnknown, packID)
		}
		return seconds, nil
	}
	if legacy == "" {
		return legacyPackSeconds, nil
	}
	seconds, err := strconv.ParseInt(legacy, 10, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("%w: invalid packSeconds %q", quotaledger.ErrTicketEventUnknown, legacy)
	}
	return seconds, nil
}
