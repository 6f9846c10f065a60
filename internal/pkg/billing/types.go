package billing

import (
	"encoding/json"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
)

// EventKind is the provider-neutral name of a webhook event.
type EventKind string

const (
	KindSubscriptionCreated  EventKind = "subscription-created"
	KindInvoicePaid          EventKind = "invoice-paid"
	KindInvoicePaymentFailed EventKind = "invoice-payment-failed"
	KindSubscriptionUpdated  EventKind = "subscription-updated"
	KindSubscriptionDeleted  EventKind = "subscription-deleted"
	KindTrialWillEnd         EventKind = "trial-will-end"
)

// Outcome tells the caller what happened to an event. Outcomes are control
// flow, not errors: every one of them is acknowledged to the provider.
type Outcome string

const (
	OutcomeApplied          Outcome = models.WebhookOutcomeApplied
	OutcomeNoTransition     Outcome = models.WebhookOutcomeNoTransition
	OutcomeStaleTransition  Outcome = models.WebhookOutcomeStale
	OutcomeTerminalIgnored  Outcome = models.WebhookOutcomeTerminalIgnored
	OutcomeUnknownEventType Outcome = models.WebhookOutcomeUnknownEventType
	OutcomeUnknownCustomer  Outcome = models.WebhookOutcomeUnknownCustomer
	OutcomeMalformed        Outcome = models.WebhookOutcomeMalformed
	OutcomeDuplicateEvent   Outcome = "duplicate_event"
)

// Envelope is a verified webhook event.
type Envelope struct {
	EventID string
	Type    string
	Created int64
	// Object is the raw JSON of data.object.
	Object json.RawMessage
	// Payload is the full request body as received.
	Payload []byte
}

// CreatedAt returns the provider creation time of the event.
func (e Envelope) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// Result describes the effect of one handled event.
type Result struct {
	EventID        string
	Kind           EventKind
	Outcome        Outcome
	UserID         uint
	SubscriptionID string
	From           string
	To             string
	Version        uint64
	Detail         string
}

// Changed reports whether the result moved a subscription to another state.
func (r Result) Changed() bool {
	return r.Outcome == OutcomeApplied && r.From != r.To
}

// SweepReport summarizes one trial expiry run.
type SweepReport struct {
	Examined   int `json:"examined"`
	Expired    int `json:"expired"`
	Renewed    int `json:"renewed"`
	Skipped    int `json:"skipped"`
	Countdowns int `json:"countdowns"`
}

// Summary is the read-only projection consumed by presentation code.
type Summary struct {
	State              string     `json:"state"`
	Plan               string     `json:"plan"`
	TrialDaysRemaining int        `json:"trial_days_remaining"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	PeriodEnd          *time.Time `json:"period_end,omitempty"`
	HasAccess          bool       `json:"has_access"`
	AccessEndsAt       *time.Time `json:"access_ends_at,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	Version            uint64     `json:"version"`
}

// SummaryStateNone is reported for users without a billing customer or subscription.
const SummaryStateNone = "none"

// Clock returns the current time. Implementations should return UTC.
type Clock func() time.Time

func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
