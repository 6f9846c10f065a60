package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes int
	// beforeSet runs once, ahead of the next SetJSON
	beforeSet func()
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *memoryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if hook := c.beforeSet; hook != nil {
		c.beforeSet = nil
		hook()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes++
	return nil
}

func TestSummaryWithoutCustomer(t *testing.T) {
	h := newHarness(t)
	s, err := h.svc.GetSubscriptionSummary(context.Background(), 77)
	require.NoError(t, err)
	assert.Equal(t, SummaryStateNone, s.State)
	assert.Equal(t, "free", s.Plan)
	assert.False(t, s.HasAccess)
}

func TestSummaryIsInvalidatedAfterTransition(t *testing.T) {
	h := newHarness(t)
	cache := newMemoryCache()
	h.svc = NewService(h.repo, Options{
		Provider:      h.provider,
		WebhookSecret: testWebhookSecret,
		TrialDays:     14,
		Cache:         cache,
		Clock:         func() time.Time { return h.now },
	})
	ctx := context.Background()
	h.startTrial(1)

	s, err := h.svc.GetSubscriptionSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStateTrial, s.State)
	assert.Equal(t, 14, s.TrialDaysRemaining)
	assert.Equal(t, "trial", s.Plan)
	assert.True(t, s.HasAccess)
	assert.Contains(t, cache.entries, summaryCacheKey(1))

	periodEnd := h.now.Add(30 * 24 * time.Hour)
	_, err = h.deliver("evt_paid", "invoice.paid", h.now.Add(time.Minute), invoiceObject("cus_1", "sub_ext_1", periodEnd))
	require.NoError(t, err)
	assert.NotContains(t, cache.entries, summaryCacheKey(1))

	s, err = h.svc.GetSubscriptionSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStateActive, s.State)
	assert.Equal(t, 0, s.TrialDaysRemaining)
	require.NotNil(t, s.PeriodEnd)
	assert.Equal(t, periodEnd.Unix(), s.PeriodEnd.Unix())
	assert.Equal(t, "premium", s.Plan)
	assert.Equal(t, uint64(2), s.Version)
}

func TestSummaryCommitDuringCacheFillIsNotHidden(t *testing.T) {
	h := newHarness(t)
	cache := newMemoryCache()
	h.svc = NewService(h.repo, Options{
		Provider:      h.provider,
		WebhookSecret: testWebhookSecret,
		TrialDays:     14,
		Cache:         cache,
		Clock:         func() time.Time { return h.now },
	})
	ctx := context.Background()
	h.startTrial(1)

	periodEnd := h.now.Add(30 * 24 * time.Hour)
	cache.beforeSet = func() {
		res, err := h.deliver("evt_paid", "invoice.paid", h.now.Add(time.Minute), invoiceObject("cus_1", "sub_ext_1", periodEnd))
		require.NoError(t, err)
		require.Equal(t, OutcomeApplied, res.Outcome)
	}

	s, err := h.svc.GetSubscriptionSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStateTrial, s.State)
	assert.NotContains(t, cache.entries, summaryCacheKey(1))

	s, err = h.svc.GetSubscriptionSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStateActive, s.State)
	assert.Equal(t, uint64(2), s.Version)
	assert.Contains(t, cache.entries, summaryCacheKey(1))
}

func TestNotificationsReadFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startTrial(1)
	h.startTrial(2)

	list, err := h.svc.ListNotifications(ctx, 1, true, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.NotificationTrialStarted, list[0].Kind)

	require.NoError(t, h.svc.MarkNotificationRead(ctx, 1, list[0].ID))
	require.NoError(t, h.svc.MarkNotificationRead(ctx, 1, list[0].ID))

	unread, err := h.svc.ListNotifications(ctx, 1, true, 0)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := h.svc.ListNotifications(ctx, 1, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsRead())

	others, err := h.svc.ListNotifications(ctx, 2, false, 0)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.ErrorIs(t, h.svc.MarkNotificationRead(ctx, 1, others[0].ID), ErrNotificationNotFound)
}
