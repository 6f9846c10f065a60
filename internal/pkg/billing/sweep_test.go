package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresTrialThenStaleInvoiceCannotRevert(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)
	trialEnd := *sub.TrialEndsAt

	h.advance(15 * 24 * time.Hour)
	report, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Examined)
	assert.Equal(t, 1, report.Expired)

	expired := h.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStateExpired, expired.State)
	assert.Equal(t, uint64(2), expired.Version)
	assert.Nil(t, expired.LiveKey)
	require.NotNil(t, expired.AccessEndsAt)
	assert.Equal(t, trialEnd.Unix(), expired.AccessEndsAt.Unix())
	assert.Equal(t, h.now.Unix(), expired.LastEventAt)
	assert.Equal(t, int64(1), h.countNotifications(sub.ID, models.NotificationExpired))

	// invoice.paid created before the expiry but delivered after it.
	res, err := h.deliver("evt_late_paid", "invoice.paid", trialEnd.Add(-time.Hour), invoiceObject("cus_1", "sub_ext_1", trialEnd.Add(30*24*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStaleTransition, res.Outcome)

	after := h.subscription(sub.ID)
	assert.Equal(t, models.SubscriptionStateExpired, after.State)
	assert.Equal(t, expired.Version, after.Version)
	assert.True(t, h.webhookEvent("evt_late_paid").IsProcessed())
}

func TestSweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	var ids []string
	for u := uint(1); u <= 5; u++ {
		ids = append(ids, h.startTrial(u).ID)
	}
	h.advance(15 * 24 * time.Hour)

	first, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, first.Expired)

	snapshot := map[string]models.BillingSubscription{}
	for _, id := range ids {
		snapshot[id] = *h.subscription(id)
	}

	second, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, second)

	for _, id := range ids {
		got := h.subscription(id)
		assert.Equal(t, snapshot[id].State, got.State)
		assert.Equal(t, snapshot[id].Version, got.Version)
		assert.Equal(t, int64(1), h.countNotifications(id, models.NotificationExpired))
	}
}

func TestSweepLeavesRenewingAndFutureTrials(t *testing.T) {
	h := newHarness(t)
	renewing := h.startTrial(1)
	failing := h.startTrial(2)
	h.advance(15 * 24 * time.Hour)
	future := h.startTrial(3)

	h.provider.renewal[renewing.ID] = true
	h.provider.renewalErr[failing.ID] = errors.New("provider down")

	report, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Examined)
	assert.Equal(t, 1, report.Renewed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Expired)

	assert.Equal(t, models.SubscriptionStateTrial, h.subscription(renewing.ID).State)
	assert.Equal(t, models.SubscriptionStateTrial, h.subscription(failing.ID).State)
	assert.Equal(t, models.SubscriptionStateTrial, h.subscription(future.ID).State)
	assert.NotContains(t, h.provider.checked, future.ID)
}

func TestSweepSkipsTrialsThatLeftTrialState(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)
	_, err := h.deliver("evt_paid", "invoice.paid", h.now.Add(time.Minute), invoiceObject("cus_1", "sub_ext_1", h.now.Add(30*24*time.Hour)))
	require.NoError(t, err)

	h.advance(15 * 24 * time.Hour)
	report, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Examined)
	assert.Equal(t, models.SubscriptionStateActive, h.subscription(sub.ID).State)
}

func TestExpireLosesRaceAgainstWebhook(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)
	h.advance(15 * 24 * time.Hour)

	_, err := h.deliver("evt_paid", "invoice.paid", h.now, invoiceObject("cus_1", "sub_ext_1", h.now.Add(30*24*time.Hour)))
	require.NoError(t, err)

	res, err := h.svc.Enforcer().expire(context.Background(), sub.ID, h.now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTransition, res.Outcome)
	assert.Equal(t, models.SubscriptionStateActive, h.subscription(sub.ID).State)
}

func TestSweepRacingInvoicePaidAppliesOneTransition(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)
	h.advance(15 * 24 * time.Hour)
	payload := eventPayload(t, "evt_paid_race", "invoice.paid", h.now,
		invoiceObject("cus_1", "sub_ext_1", h.now.Add(30*24*time.Hour)))
	header := signedPayload(t, testWebhookSecret, payload, time.Now())

	var (
		wg       sync.WaitGroup
		paid     Result
		paidErr  error
		report   SweepReport
		sweepErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		paid, paidErr = h.svc.ProcessWebhook(context.Background(), payload, header)
	}()
	go func() {
		defer wg.Done()
		report, sweepErr = h.svc.SweepTrials(context.Background())
	}()
	wg.Wait()
	require.NoError(t, paidErr)
	require.NoError(t, sweepErr)

	after := h.subscription(sub.ID)
	assert.Equal(t, uint64(2), after.Version)
	renewed := h.countNotifications(sub.ID, models.NotificationRenewed)
	expired := h.countNotifications(sub.ID, models.NotificationExpired)

	if paid.Outcome == OutcomeApplied {
		assert.Equal(t, models.SubscriptionStateActive, after.State)
		assert.Equal(t, 0, report.Expired)
		assert.Equal(t, int64(1), renewed)
		assert.Equal(t, int64(0), expired)
	} else {
		assert.Equal(t, models.SubscriptionStateExpired, after.State)
		assert.Equal(t, 1, report.Expired)
		assert.Equal(t, OutcomeTerminalIgnored, paid.Outcome)
		assert.Equal(t, int64(0), renewed)
		assert.Equal(t, int64(1), expired)
	}
	assert.True(t, h.webhookEvent("evt_paid_race").IsProcessed())
}

func TestSweepStopsWhenCancelled(t *testing.T) {
	h := newHarness(t)
	h.startTrial(1)
	h.advance(15 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Enforcer().Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepSendsCountdownOncePerDay(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)

	h.advance(12 * 24 * time.Hour)
	report, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Countdowns)

	h.advance(time.Hour)
	report, err = h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Countdowns)

	h.advance(24 * time.Hour)
	report, err = h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Countdowns)
	assert.Equal(t, int64(2), h.countNotifications(sub.ID, models.NotificationTrialCountdown))
}

type stubLocker struct {
	err      error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func() { l.released++ }, nil
}

func TestRunOnceHonorsLocker(t *testing.T) {
	h := newHarness(t)
	sub := h.startTrial(1)
	h.advance(15 * 24 * time.Hour)

	held := &stubLocker{err: errors.New("lock taken")}
	h.svc.Enforcer().SetLocker(held)
	report, err := h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, report)
	assert.Equal(t, models.SubscriptionStateTrial, h.subscription(sub.ID).State)

	free := &stubLocker{}
	h.svc.Enforcer().SetLocker(free)
	report, err = h.svc.SweepTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, free.acquired)
	assert.Equal(t, 1, free.released)
}
