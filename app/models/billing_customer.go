package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// BillingCustomer maps a local user to exactly one provider customer. The
// external customer id never changes once the row exists.
type BillingCustomer struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UserID                uint      `gorm:"not null;index:ux_billing_customers_user,unique" json:"user_id"`
	Provider              string    `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ExternalCustomerID    string    `gorm:"type:varchar(191);not null;index:ux_billing_customers_external,unique" json:"external_customer_id"`
	Email                 string    `gorm:"type:varchar(200);default:''" json:"email"`
	CurrentSubscriptionID *string   `gorm:"type:varchar(36);default:null" json:"current_subscription_id,omitempty"`
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
