package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the billing service. Every
// implementation must be usable inside Transaction, where the callback
// receives a Repository bound to the open transaction.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetCustomerByUserID(ctx context.Context, userID uint) (*models.BillingCustomer, error)
	GetCustomerByExternalID(ctx context.Context, externalCustomerID string, forUpdate bool) (*models.BillingCustomer, error)
	CreateCustomerIfNotExists(ctx context.Context, customer *models.BillingCustomer) (bool, *models.BillingCustomer, error)
	SetCurrentSubscription(ctx context.Context, customerID uint, subscriptionID string) error

	GetSubscription(ctx context.Context, id string, forUpdate bool) (*models.BillingSubscription, error)
	GetSubscriptionByExternalID(ctx context.Context, customerID uint, externalSubscriptionID string) (*models.BillingSubscription, error)
	ListSubscriptionsByCustomer(ctx context.Context, customerID uint) ([]models.BillingSubscription, error)
	CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error
	UpdateSubscriptionVersioned(ctx context.Context, sub *models.BillingSubscription, expectedVersion uint64) error
	ListDueTrials(ctx context.Context, now time.Time, afterID string, limit int) ([]models.BillingSubscription, error)
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]models.BillingSubscription, error)

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	GetWebhookEvent(ctx context.Context, eventID string, forUpdate bool) (*models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string, at time.Time) error
	ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]models.BillingWebhookEvent, error)

	CreateNotificationIfNotExists(ctx context.Context, n *models.BillingNotification) (bool, error)
	ListNotifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.BillingNotification, error)
	GetNotification(ctx context.Context, userID, id uint) (*models.BillingNotification, error)
	MarkNotificationRead(ctx context.Context, userID, id uint, at time.Time) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

// locked adds SELECT ... FOR UPDATE where the dialect supports row locks.
// SQLite serializes writers on its own.
func (r *gormRepository) locked(ctx context.Context, forUpdate bool) *gorm.DB {
	db := r.db.WithContext(ctx)
	if forUpdate && r.db.Dialector.Name() != "sqlite" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (r *gormRepository) GetCustomerByUserID(ctx context.Context, userID uint) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&c).Error; err != nil {
		return nil, storageErr("get customer by user", err)
	}
	return &c, nil
}

func (r *gormRepository) GetCustomerByExternalID(ctx context.Context, externalCustomerID string, forUpdate bool) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.locked(ctx, forUpdate).Where("external_customer_id = ?", externalCustomerID).First(&c).Error; err != nil {
		return nil, storageErr("get customer by external id", err)
	}
	return &c, nil
}

func (r *gormRepository) CreateCustomerIfNotExists(ctx context.Context, customer *models.BillingCustomer) (bool, *models.BillingCustomer, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(customer)
	if tx.Error != nil {
		return false, nil, storageErr("create customer", tx.Error)
	}

	created := tx.RowsAffected > 0
	var stored models.BillingCustomer
	if err := r.db.WithContext(ctx).Where("user_id = ?", customer.UserID).First(&stored).Error; err != nil {
		return false, nil, storageErr("read back customer", err)
	}
	return created, &stored, nil
}

func (r *gormRepository) SetCurrentSubscription(ctx context.Context, customerID uint, subscriptionID string) error {
	err := r.db.WithContext(ctx).Model(&models.BillingCustomer{}).
		Where("id = ?", customerID).
		Update("current_subscription_id", subscriptionID).Error
	return storageErr("set current subscription", err)
}

func (r *gormRepository) GetSubscription(ctx context.Context, id string, forUpdate bool) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	if err := r.locked(ctx, forUpdate).Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, storageErr("get subscription", err)
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByExternalID(ctx context.Context, customerID uint, externalSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("customer_id = ? AND external_subscription_id = ?", customerID, externalSubscriptionID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, storageErr("get subscription by external id", err)
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByCustomer(ctx context.Context, customerID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("created_at ASC").Find(&subs).Error
	return subs, storageErr("list subscriptions", err)
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	err := r.db.WithContext(ctx).Create(sub).Error
	if err != nil && errorsIsDuplicate(err) {
		return ErrLiveSubscriptionExists
	}
	return storageErr("create subscription", err)
}

// UpdateSubscriptionVersioned writes the mutable columns of sub if the stored
// version still equals expectedVersion, then bumps sub.Version. trial_ends_at
// is never part of the update.
func (r *gormRepository) UpdateSubscriptionVersioned(ctx context.Context, sub *models.BillingSubscription, expectedVersion uint64) error {
	updates := map[string]interface{}{
		"state":                    sub.State,
		"current_period_end":       sub.CurrentPeriodEnd,
		"access_ends_at":           sub.AccessEndsAt,
		"external_subscription_id": sub.ExternalSubscriptionID,
		"cancel_at_period_end":     sub.CancelAtPeriodEnd,
		"last_event_at":            sub.LastEventAt,
		"live_key":                 sub.LiveKey,
		"version":                  expectedVersion + 1,
	}
	res := r.db.WithContext(ctx).Model(&models.BillingSubscription{}).
		Where("id = ? AND version = ?", sub.ID, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return storageErr("update subscription", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}

func (r *gormRepository) ListDueTrials(ctx context.Context, now time.Time, afterID string, limit int) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("state = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ? AND id > ?", models.SubscriptionStateTrial, now.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, storageErr("list due trials", err)
}

func (r *gormRepository) ListTrialsEndingBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).
		Where("state = ? AND trial_ends_at > ? AND trial_ends_at <= ? AND id > ?", models.SubscriptionStateTrial, from.UTC(), to.UTC(), afterID).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, storageErr("list ending trials", err)
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, storageErr("record webhook event", tx.Error)
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("event_id = ?", event.EventID).First(&stored).Error; err != nil {
		return false, nil, storageErr("read back webhook event", err)
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, eventID string, forUpdate bool) (*models.BillingWebhookEvent, error) {
	var event models.BillingWebhookEvent
	if err := r.locked(ctx, forUpdate).Where("event_id = ?", eventID).First(&event).Error; err != nil {
		return nil, storageErr("get webhook event", err)
	}
	return &event, nil
}

// MarkWebhookProcessed only touches rows that are still unprocessed.
func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string, at time.Time) error {
	updates := map[string]interface{}{
		"processed_at":     at.UTC(),
		"outcome":          outcome,
		"processing_error": processingError,
	}
	res := r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(updates)
	if res.Error != nil {
		return storageErr("mark webhook processed", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *gormRepository) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, limit int) ([]models.BillingWebhookEvent, error) {
	var events []models.BillingWebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND received_at <= ?", receivedBefore.UTC()).
		Order("received_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, storageErr("list unprocessed webhook events", err)
}

func (r *gormRepository) CreateNotificationIfNotExists(ctx context.Context, n *models.BillingNotification) (bool, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "kind"}, {Name: "event_id"}},
		DoNothing: true,
	}).Create(n)
	if tx.Error != nil {
		return false, storageErr("create notification", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) ListNotifications(ctx context.Context, userID uint, unreadOnly bool, limit int) ([]models.BillingNotification, error) {
	var out []models.BillingNotification
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, storageErr("list notifications", err)
}

func (r *gormRepository) GetNotification(ctx context.Context, userID, id uint) (*models.BillingNotification, error) {
	var n models.BillingNotification
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&n).Error; err != nil {
		return nil, storageErr("get notification", err)
	}
	return &n, nil
}

func (r *gormRepository) MarkNotificationRead(ctx context.Context, userID, id uint, at time.Time) error {
	n, err := r.GetNotification(ctx, userID, id)
	if err != nil {
		return err
	}
	return storageErr("mark notification read", n.MarkAsRead(r.db.WithContext(ctx), at))
}

func errorsIsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
