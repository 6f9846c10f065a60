package entitlements

import (
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanTrial   Plan = "trial"
	PlanPremium Plan = "premium"
)

// PlanFor returns the plan a subscription grants at now. A nil subscription
// grants the free plan.
func PlanFor(sub *models.BillingSubscription, now time.Time) Plan {
	if !HasAccess(sub, now) {
		return PlanFree
	}
	if sub.State == models.SubscriptionStateTrial {
		return PlanTrial
	}
	return PlanPremium
}

// HasAccess reports whether the subscription still entitles its owner.
// Cancelled subscriptions keep access until AccessEndsAt, trials until their
// end date; expired ones never do.
func HasAccess(sub *models.BillingSubscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	switch sub.State {
	case models.SubscriptionStateActive, models.SubscriptionStatePastDue:
		return true
	case models.SubscriptionStateTrial:
		return sub.TrialEndsAt == nil || now.Before(*sub.TrialEndsAt)
	case models.SubscriptionStateCancelled:
		return sub.AccessEndsAt != nil && now.Before(*sub.AccessEndsAt)
	default:
		return false
	}
}

// TrialDaysRemaining rounds the remaining trial time up to whole days.
func TrialDaysRemaining(sub *models.BillingSubscription, now time.Time) int {
	if sub == nil || sub.State != models.SubscriptionStateTrial || sub.TrialEndsAt == nil {
		return 0
	}
	left := sub.TrialEndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return days
}
