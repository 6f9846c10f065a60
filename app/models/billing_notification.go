package models

import (
	"time"

	"gorm.io/gorm"
)

// Notification kinds written for the UI layer.
const (
	NotificationTrialStarted   = "trial_started"
	NotificationTrialCountdown = "trial_countdown"
	NotificationTrialEnding    = "trial_ending"
	NotificationRenewed        = "renewed"
	NotificationPastDue        = "past_due"
	NotificationCancelled      = "cancelled"
	NotificationExpired        = "expired"
)

// BillingNotification is an outbound banner the presentation layer renders.
// EventID is the provider event id for webhook-driven rows, or a local key
// such as "trial-expiry" or "countdown:3".
type BillingNotification struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	UserID         uint       `gorm:"not null;index" json:"user_id"`
	SubscriptionID string     `gorm:"type:varchar(36);not null;index:ux_billing_notifications_dedup,unique,priority:1" json:"subscription_id"`
	Kind           string     `gorm:"type:varchar(32);not null;index:ux_billing_notifications_dedup,unique,priority:2" json:"kind"`
	EventID        string     `gorm:"type:varchar(191);not null;index:ux_billing_notifications_dedup,unique,priority:3" json:"event_id"`
	Payload        string     `gorm:"type:text" json:"payload"`
	ReadAt         *time.Time `gorm:"type:timestamp;default:null" json:"read_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
}

// IsRead reports whether the user dismissed the notification.
func (n *BillingNotification) IsRead() bool {
	return n.ReadAt != nil
}

// MarkAsRead stamps read_at once; repeated calls keep the first timestamp.
func (n *BillingNotification) MarkAsRead(db *gorm.DB, now time.Time) error {
	if n.ReadAt != nil {
		return nil
	}
	res := db.Model(&BillingNotification{}).
		Where("id = ? AND read_at IS NULL", n.ID).
		Update("read_at", now)
	if res.Error != nil {
		return res.Error
	}
	n.ReadAt = &now
	return nil
}
