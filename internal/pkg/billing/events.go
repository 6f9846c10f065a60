package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

var stripeEventKinds = map[string]EventKind{
	"customer.subscription.created":        KindSubscriptionCreated,
	"invoice.paid":                         KindInvoicePaid,
	"invoice.payment_succeeded":            KindInvoicePaid,
	"invoice.payment_failed":               KindInvoicePaymentFailed,
	"customer.subscription.updated":        KindSubscriptionUpdated,
	"customer.subscription.deleted":        KindSubscriptionDeleted,
	"customer.subscription.trial_will_end": KindTrialWillEnd,
}

// KindOf maps a Stripe event type to its EventKind.
func KindOf(eventType string) (EventKind, bool) {
	k, ok := stripeEventKinds[strings.TrimSpace(eventType)]
	return k, ok
}

// EventData is the part of data.object the state machine needs.
type EventData struct {
	CustomerID        string
	SubscriptionID    string
	Status            string
	PeriodEnd         *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	AmountPaid        int64
	BillingReason     string
}

// ZeroTrialInvoice reports the $0 invoice the provider issues when a
// subscription starts with a trial. It does not mean a payment happened.
func (d EventData) ZeroTrialInvoice() bool {
	return d.AmountPaid == 0 && d.BillingReason == "subscription_create"
}

type stripeObject struct {
	ID                string          `json:"id"`
	Object            string          `json:"object"`
	Customer          json.RawMessage `json:"customer"`
	Status            string          `json:"status"`
	Subscription      json.RawMessage `json:"subscription"`
	CurrentPeriodEnd  int64           `json:"current_period_end"`
	TrialEnd          int64           `json:"trial_end"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
	AmountPaid        int64           `json:"amount_paid"`
	BillingReason     string          `json:"billing_reason"`
	Parent            *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Items struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// parseEventData decodes subscription and invoice objects. Newer API versions
// moved the period end onto subscription items and the subscription reference
// of invoices under parent.subscription_details; both shapes are accepted.
func parseEventData(kind EventKind, raw json.RawMessage) (EventData, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return EventData{}, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}

	var obj stripeObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return EventData{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	customerID, err := expandableID(obj.Customer)
	if err != nil {
		return EventData{}, fmt.Errorf("%w: customer: %v", ErrMalformedEvent, err)
	}
	if customerID == "" {
		return EventData{}, fmt.Errorf("%w: missing customer", ErrMalformedEvent)
	}

	data := EventData{
		CustomerID:        customerID,
		Status:            strings.ToLower(strings.TrimSpace(obj.Status)),
		CancelAtPeriodEnd: obj.CancelAtPeriodEnd,
		TrialEnd:          unixPtr(obj.TrialEnd),
	}

	switch kind {
	case KindInvoicePaid, KindInvoicePaymentFailed:
		subID, err := expandableID(obj.Subscription)
		if err != nil {
			return EventData{}, fmt.Errorf("%w: subscription: %v", ErrMalformedEvent, err)
		}
		if subID == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			if subID, err = expandableID(obj.Parent.SubscriptionDetails.Subscription); err != nil {
				return EventData{}, fmt.Errorf("%w: parent subscription: %v", ErrMalformedEvent, err)
			}
		}
		data.SubscriptionID = subID
		data.AmountPaid = obj.AmountPaid
		data.BillingReason = strings.TrimSpace(obj.BillingReason)
		// An invoice's status is the invoice status, not the subscription's.
		data.Status = ""
		if len(obj.Lines.Data) > 0 {
			data.PeriodEnd = unixPtr(obj.Lines.Data[0].Period.End)
		}
	default:
		data.SubscriptionID = strings.TrimSpace(obj.ID)
		periodEnd := obj.CurrentPeriodEnd
		if periodEnd == 0 && len(obj.Items.Data) > 0 {
			periodEnd = obj.Items.Data[0].CurrentPeriodEnd
		}
		data.PeriodEnd = unixPtr(periodEnd)
	}

	return data, nil
}

// expandableID accepts either a bare id string or an expanded object with an id.
func expandableID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return strings.TrimSpace(obj.ID), nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
