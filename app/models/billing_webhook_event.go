package models

import "time"

// Webhook processing outcomes stored on BillingWebhookEvent.Outcome.
const (
	WebhookOutcomeApplied          = "applied"
	WebhookOutcomeNoTransition     = "no_transition"
	WebhookOutcomeStale            = "stale_transition"
	WebhookOutcomeTerminalIgnored  = "terminal_ignored"
	WebhookOutcomeUnknownEventType = "unknown_event_type"
	WebhookOutcomeUnknownCustomer  = "unknown_customer"
	WebhookOutcomeMalformed        = "malformed"
)

// BillingWebhookEvent stores provider webhook payloads keyed by the provider
// event id. Rows are append-only; ProcessedAt is set in the same transaction
// that applies the event and the row is not touched again afterwards.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	EventID         string     `gorm:"type:varchar(191);not null;index:ux_billing_webhook_events_event,unique" json:"event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	EventCreated    int64      `gorm:"not null;default:0" json:"event_created"`
	PayloadJSON     string     `gorm:"type:text;not null" json:"payload_json"`
	Outcome         string     `gorm:"type:varchar(32);default:''" json:"outcome"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"processed_at,omitempty"`
	ReceivedAt      time.Time  `gorm:"autoCreateTime;index" json:"received_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether the event already produced its effect.
func (e *BillingWebhookEvent) IsProcessed() bool {
	return e.ProcessedAt != nil
}
