package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testWebhookSecret = "whsec_test_secret"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.BillingCustomer{},
		&models.BillingSubscription{},
		&models.BillingWebhookEvent{},
		&models.BillingNotification{},
	))
	return db
}

// fakeProvider keys customers by user id so repeated creates for one user
// return the same provider customer, like an idempotency key would.
type fakeProvider struct {
	mu sync.Mutex

	customers   map[uint]string
	createCalls int
	createErr   error

	renewal    map[string]bool
	renewalErr map[string]error
	checked    []string

	checkoutErr error
	portalErr   error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers:  map[uint]string{},
		renewal:    map[string]bool{},
		renewalErr: map[string]error{},
	}
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return "", p.createErr
	}
	if id, ok := p.customers[userID]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cus_%d", userID)
	p.customers[userID] = id
	return id, nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, customer *models.BillingCustomer) (string, error) {
	if p.checkoutErr != nil {
		return "", p.checkoutErr
	}
	return "https://checkout.example/" + customer.ExternalCustomerID, nil
}

func (p *fakeProvider) CreatePortalSession(ctx context.Context, customer *models.BillingCustomer) (string, error) {
	if p.portalErr != nil {
		return "", p.portalErr
	}
	return "https://portal.example/" + customer.ExternalCustomerID, nil
}

func (p *fakeProvider) HasRenewalOnFile(ctx context.Context, sub *models.BillingSubscription) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checked = append(p.checked, sub.ID)
	if err := p.renewalErr[sub.ID]; err != nil {
		return false, err
	}
	return p.renewal[sub.ID], nil
}

// failingRepo injects storage failures into an otherwise real repository.
type failingRepo struct {
	Repository
	failUpdate error
	failMark   error
}

func (f *failingRepo) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return f.Repository.Transaction(ctx, func(tx Repository) error {
		return fn(&failingRepo{Repository: tx, failUpdate: f.failUpdate, failMark: f.failMark})
	})
}

func (f *failingRepo) UpdateSubscriptionVersioned(ctx context.Context, sub *models.BillingSubscription, expectedVersion uint64) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}
	return f.Repository.UpdateSubscriptionVersioned(ctx, sub, expectedVersion)
}

func (f *failingRepo) MarkWebhookProcessed(ctx context.Context, id uint, outcome, processingError string, at time.Time) error {
	if f.failMark != nil {
		return f.failMark
	}
	return f.Repository.MarkWebhookProcessed(ctx, id, outcome, processingError, at)
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	repo     Repository
	provider *fakeProvider
	svc      *Service
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	h := &harness{
		t:        t,
		db:       db,
		repo:     NewRepository(db),
		provider: newFakeProvider(),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.svc = h.newService(h.repo)
	return h
}

func (h *harness) newService(repo Repository) *Service {
	return NewService(repo, Options{
		Provider:           h.provider,
		WebhookSecret:      testWebhookSecret,
		TrialDays:          14,
		TrialCountdownDays: 3,
		SweepBatchSize:     2,
		Clock:              func() time.Time { return h.now },
	})
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) startTrial(userID uint) *models.BillingSubscription {
	h.t.Helper()
	sub, err := h.svc.StartTrial(context.Background(), userID, fmt.Sprintf("user%d@example.com", userID))
	require.NoError(h.t, err)
	return sub
}

func signedPayload(t *testing.T, secret string, payload []byte, ts time.Time) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	return signed.Header
}

func eventPayload(t *testing.T, id, eventType string, created time.Time, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": created.Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

// deliver signs and processes one webhook through the full pipeline.
func (h *harness) deliver(id, eventType string, created time.Time, object map[string]interface{}) (Result, error) {
	h.t.Helper()
	return h.deliverTo(h.svc, id, eventType, created, object)
}

func (h *harness) deliverTo(svc *Service, id, eventType string, created time.Time, object map[string]interface{}) (Result, error) {
	h.t.Helper()
	payload := eventPayload(h.t, id, eventType, created, object)
	header := signedPayload(h.t, testWebhookSecret, payload, time.Now())
	return svc.ProcessWebhook(context.Background(), payload, header)
}

func invoiceObject(customer, subscription string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":             "in_" + uuid.NewString()[:8],
		"object":         "invoice",
		"customer":       customer,
		"subscription":   subscription,
		"amount_paid":    1500,
		"billing_reason": "subscription_cycle",
		"lines": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"period": map[string]interface{}{"end": periodEnd.Unix()}},
			},
		},
	}
}

func subscriptionObject(customer, subscription, status string, periodEnd time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                   subscription,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"current_period_end":   periodEnd.Unix(),
		"cancel_at_period_end": false,
	}
}

func (h *harness) subscription(id string) *models.BillingSubscription {
	h.t.Helper()
	sub, err := h.repo.GetSubscription(context.Background(), id, false)
	require.NoError(h.t, err)
	return sub
}

func (h *harness) customer(userID uint) *models.BillingCustomer {
	h.t.Helper()
	c, err := h.repo.GetCustomerByUserID(context.Background(), userID)
	require.NoError(h.t, err)
	return c
}

func (h *harness) countNotifications(subscriptionID, kind string) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.db.Model(&models.BillingNotification{}).
		Where("subscription_id = ? AND kind = ?", subscriptionID, kind).
		Count(&n).Error)
	return n
}

func (h *harness) webhookEvent(eventID string) *models.BillingWebhookEvent {
	h.t.Helper()
	ev, err := h.repo.GetWebhookEvent(context.Background(), eventID, false)
	require.NoError(h.t, err)
	return ev
}
