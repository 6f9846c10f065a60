package models

import "time"

const (
	SubscriptionStateTrial     = "trial"
	SubscriptionStateActive    = "active"
	SubscriptionStatePastDue   = "past_due"
	SubscriptionStateCancelled = "cancelled"
	SubscriptionStateExpired   = "expired"
)

// BillingSubscription is one subscription lifecycle of a customer. A customer
// may own many rows over time but only the one referenced by
// BillingCustomer.CurrentSubscriptionID is authoritative.
//
// LiveKey holds the customer id while the subscription is live and NULL once it
// is terminal; its unique index allows one live row per customer.
type BillingSubscription struct {
	ID                     string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	CustomerID             uint       `gorm:"not null;index" json:"customer_id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	State                  string     `gorm:"type:varchar(20);not null;index:idx_billing_subscriptions_state_trial,priority:1" json:"state"`
	TrialEndsAt            *time.Time `gorm:"type:timestamp;default:null;index:idx_billing_subscriptions_state_trial,priority:2" json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	AccessEndsAt           *time.Time `gorm:"type:timestamp;default:null" json:"access_ends_at,omitempty"`
	ExternalSubscriptionID *string    `gorm:"type:varchar(191);default:null;index" json:"external_subscription_id,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	Version                uint64     `gorm:"not null;default:1" json:"version"`
	LastEventAt            int64      `gorm:"not null;default:0" json:"last_event_at"`
	LiveKey                *uint      `gorm:"default:null;index:ux_billing_subscriptions_live,unique" json:"-"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsLiveState reports whether state still grants a running subscription.
func IsLiveState(state string) bool {
	switch state {
	case SubscriptionStateTrial, SubscriptionStateActive, SubscriptionStatePastDue:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the subscription can no longer change state.
func (s *BillingSubscription) IsTerminal() bool {
	return s.State == SubscriptionStateCancelled || s.State == SubscriptionStateExpired
}

// ExternalID returns the provider subscription id or "".
func (s *BillingSubscription) ExternalID() string {
	if s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}
