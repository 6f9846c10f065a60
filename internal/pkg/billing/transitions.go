package billing

import (
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
)

// allowedEdges is the transition graph. Active -> Active is a renewal.
var allowedEdges = map[string]map[string]bool{
	models.SubscriptionStateTrial: {
		models.SubscriptionStateActive:    true,
		models.SubscriptionStatePastDue:   true,
		models.SubscriptionStateCancelled: true,
		models.SubscriptionStateExpired:   true,
	},
	models.SubscriptionStateActive: {
		models.SubscriptionStateActive:    true,
		models.SubscriptionStatePastDue:   true,
		models.SubscriptionStateCancelled: true,
	},
	models.SubscriptionStatePastDue: {
		models.SubscriptionStateActive:    true,
		models.SubscriptionStateCancelled: true,
	},
}

func canTransition(from, to string) bool {
	return allowedEdges[from][to]
}

// stateForProviderStatus maps a Stripe subscription status to a local state.
// Statuses without a local meaning (incomplete, paused) map to "".
func stateForProviderStatus(status string) string {
	switch status {
	case "trialing":
		return models.SubscriptionStateTrial
	case "active":
		return models.SubscriptionStateActive
	case "past_due", "unpaid":
		return models.SubscriptionStatePastDue
	case "canceled", "incomplete_expired":
		return models.SubscriptionStateCancelled
	default:
		return ""
	}
}

func notificationFor(to string) string {
	switch to {
	case models.SubscriptionStateActive:
		return models.NotificationRenewed
	case models.SubscriptionStatePastDue:
		return models.NotificationPastDue
	case models.SubscriptionStateCancelled:
		return models.NotificationCancelled
	case models.SubscriptionStateExpired:
		return models.NotificationExpired
	case models.SubscriptionStateTrial:
		return models.NotificationTrialStarted
	default:
		return ""
	}
}

// transitionPlan is what a handler decided for one event. Handlers are pure:
// the dispatcher performs every write.
type transitionPlan struct {
	outcome      Outcome
	next         models.BillingSubscription
	open         *models.BillingSubscription
	notification string
	skipWrite    bool
	detail       string
}

// handlerFunc computes a plan from the current subscription, which is nil
// when the customer has none yet. at is the event creation time.
type handlerFunc func(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan

var transitionHandlers = map[EventKind]handlerFunc{
	KindSubscriptionCreated:  handleSubscriptionCreated,
	KindInvoicePaid:          handleInvoicePaid,
	KindInvoicePaymentFailed: handleInvoicePaymentFailed,
	KindSubscriptionUpdated:  handleSubscriptionUpdated,
	KindSubscriptionDeleted:  handleSubscriptionDeleted,
	KindTrialWillEnd:         handleTrialWillEnd,
}

// enter moves next into state to and sets the fields that belong to it.
func enter(next models.BillingSubscription, to string, at time.Time) models.BillingSubscription {
	from := next.State
	next.State = to
	switch to {
	case models.SubscriptionStateCancelled:
		end := at
		if from == models.SubscriptionStateActive && next.CurrentPeriodEnd != nil && next.CurrentPeriodEnd.After(at) {
			end = *next.CurrentPeriodEnd
		}
		next.AccessEndsAt = &end
		next.LiveKey = nil
	case models.SubscriptionStateExpired:
		end := at
		if next.TrialEndsAt != nil && next.TrialEndsAt.Before(at) {
			end = *next.TrialEndsAt
		}
		next.AccessEndsAt = &end
		next.LiveKey = nil
	default:
		next.AccessEndsAt = nil
	}
	return next
}

// refresh copies provider-owned fields from the event onto next.
func refresh(next models.BillingSubscription, data EventData, subscriptionObject bool) models.BillingSubscription {
	if next.ExternalSubscriptionID == nil && data.SubscriptionID != "" {
		id := data.SubscriptionID
		next.ExternalSubscriptionID = &id
	}
	if data.PeriodEnd != nil {
		next.CurrentPeriodEnd = data.PeriodEnd
	}
	if subscriptionObject {
		next.CancelAtPeriodEnd = data.CancelAtPeriodEnd
	}
	return next
}

func move(next models.BillingSubscription, to string, at time.Time) transitionPlan {
	return transitionPlan{
		outcome:      OutcomeApplied,
		next:         enter(next, to, at),
		notification: notificationFor(to),
	}
}

func stay(next models.BillingSubscription, detail string) transitionPlan {
	return transitionPlan{outcome: OutcomeNoTransition, next: next, detail: detail}
}

func handleInvoicePaid(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil {
		return transitionPlan{outcome: OutcomeNoTransition, skipWrite: true, detail: "no subscription"}
	}
	next := refresh(*cur, data, false)
	if cur.State == models.SubscriptionStateTrial && data.ZeroTrialInvoice() {
		return stay(next, "zero amount trial invoice")
	}
	if !canTransition(cur.State, models.SubscriptionStateActive) {
		return stay(next, "no edge from "+cur.State)
	}
	return move(next, models.SubscriptionStateActive, at)
}

func handleInvoicePaymentFailed(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil {
		return transitionPlan{outcome: OutcomeNoTransition, skipWrite: true, detail: "no subscription"}
	}
	next := refresh(*cur, data, false)
	if !canTransition(cur.State, models.SubscriptionStatePastDue) {
		return stay(next, "already "+cur.State)
	}
	return move(next, models.SubscriptionStatePastDue, at)
}

func handleSubscriptionDeleted(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil {
		return transitionPlan{outcome: OutcomeNoTransition, skipWrite: true, detail: "no subscription"}
	}
	next := refresh(*cur, data, true)
	if !canTransition(cur.State, models.SubscriptionStateCancelled) {
		return stay(next, "no edge from "+cur.State)
	}
	return move(next, models.SubscriptionStateCancelled, at)
}

func handleSubscriptionUpdated(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil {
		return openFromProvider(data, at)
	}
	next := refresh(*cur, data, true)
	target := stateForProviderStatus(data.Status)
	if target == "" || target == cur.State {
		return stay(next, "status "+data.Status)
	}
	if !canTransition(cur.State, target) {
		return stay(next, "edge "+cur.State+" -> "+target+" not allowed")
	}
	return move(next, target, at)
}

// handleSubscriptionCreated attaches the provider subscription to the live
// row, or opens a new row when the customer has no live subscription.
func handleSubscriptionCreated(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil || cur.IsTerminal() {
		return openFromProvider(data, at)
	}

	attached := cur.ExternalSubscriptionID == nil
	next := refresh(*cur, data, true)
	target := stateForProviderStatus(data.Status)
	if target != "" && target != cur.State && canTransition(cur.State, target) {
		return move(next, target, at)
	}
	if attached {
		return transitionPlan{outcome: OutcomeApplied, next: next}
	}
	return stay(next, "already attached")
}

// openFromProvider starts a new subscription row for a provider subscription
// the customer had no live row for (re-subscription after a terminal state).
func openFromProvider(data EventData, at time.Time) transitionPlan {
	target := stateForProviderStatus(data.Status)
	if !models.IsLiveState(target) || data.SubscriptionID == "" {
		return transitionPlan{outcome: OutcomeNoTransition, skipWrite: true, detail: "status " + data.Status + " opens nothing"}
	}
	extID := data.SubscriptionID
	open := &models.BillingSubscription{
		State:                  target,
		CurrentPeriodEnd:       data.PeriodEnd,
		ExternalSubscriptionID: &extID,
		CancelAtPeriodEnd:      data.CancelAtPeriodEnd,
		Version:                1,
		LastEventAt:            at.Unix(),
	}
	if target == models.SubscriptionStateTrial {
		open.TrialEndsAt = data.TrialEnd
	}
	return transitionPlan{
		outcome:      OutcomeApplied,
		open:         open,
		notification: notificationFor(target),
	}
}

// handleTrialWillEnd only records a notification; the row is not written.
func handleTrialWillEnd(cur *models.BillingSubscription, data EventData, at time.Time) transitionPlan {
	if cur == nil || cur.State != models.SubscriptionStateTrial {
		return transitionPlan{outcome: OutcomeNoTransition, skipWrite: true, detail: "not in trial"}
	}
	return transitionPlan{
		outcome:      OutcomeNoTransition,
		next:         *cur,
		notification: models.NotificationTrialEnding,
		skipWrite:    true,
	}
}
