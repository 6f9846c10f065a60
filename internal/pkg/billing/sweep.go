package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/entitlements"
	"github.com/ManuelReschke/billingsync/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

const (
	DefaultSweepBatchSize     = 100
	DefaultTrialCountdownDays = 3

	trialExpiryKey = "trial-expiry"
)

// KindTrialExpiry marks results produced by the sweep instead of a webhook.
const KindTrialExpiry EventKind = "trial-expiry"

// SweepLocker serializes sweeps across instances. Acquire returns an error
// when another instance holds the lock.
type SweepLocker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Enforcer expires trials that ended without a renewal on file. It does not
// wait for webhooks, which may arrive late or not at all.
type Enforcer struct {
	repo          Repository
	provider      Provider
	clock         Clock
	batchSize     int
	countdownDays int
	locker        SweepLocker
	hooks         []CommitHook
}

// NewEnforcer creates a trial expiry enforcer.
func NewEnforcer(repo Repository, provider Provider, clock Clock, batchSize, countdownDays int) *Enforcer {
	if clock == nil {
		clock = defaultClock
	}
	if batchSize <= 0 {
		batchSize = DefaultSweepBatchSize
	}
	if countdownDays < 0 {
		countdownDays = 0
	}
	return &Enforcer{
		repo:          repo,
		provider:      provider,
		clock:         clock,
		batchSize:     batchSize,
		countdownDays: countdownDays,
	}
}

// SetLocker installs a cross-instance lock used by RunOnce.
func (e *Enforcer) SetLocker(l SweepLocker) {
	e.locker = l
}

// OnCommit registers a hook that runs after each committed expiry.
func (e *Enforcer) OnCommit(hook CommitHook) {
	e.hooks = append(e.hooks, hook)
}

// Run sweeps on every tick until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[TrialSweep] run failed: %v", err)
			}
		}
	}
}

// RunOnce takes the sweep lock when one is configured and sweeps once. A
// held lock is not an error: the other instance does the work.
func (e *Enforcer) RunOnce(ctx context.Context) (SweepReport, error) {
	if e.locker != nil {
		release, err := e.locker.Acquire(ctx)
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("locked").Inc()
			log.Debugf("[TrialSweep] skipped, lock not acquired: %v", err)
			return SweepReport{}, nil
		}
		defer release()
	}

	report, err := e.Sweep(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return report, err
	}
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	if report.Examined > 0 || report.Countdowns > 0 {
		log.Infof("[TrialSweep] examined=%d expired=%d renewed=%d skipped=%d countdowns=%d",
			report.Examined, report.Expired, report.Renewed, report.Skipped, report.Countdowns)
	}
	return report, nil
}

// Sweep expires every trial whose end has passed and that has no renewal on
// file. It stops between subscriptions when ctx is cancelled; each expiry is
// its own transaction, so an interrupted run leaves nothing half-applied.
func (e *Enforcer) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := e.clock()

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := e.repo.ListDueTrials(ctx, now, afterID, e.batchSize)
		if err != nil {
			return report, err
		}

		for i := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			sub := batch[i]
			afterID = sub.ID
			report.Examined++

			renewal, err := e.provider.HasRenewalOnFile(ctx, &sub)
			if err != nil {
				report.Skipped++
				metrics.SweepResultsTotal.WithLabelValues("skipped").Inc()
				log.Warnf("[TrialSweep] subscription %s skipped, provider check failed: %v", sub.ID, err)
				continue
			}
			if renewal {
				report.Renewed++
				metrics.SweepResultsTotal.WithLabelValues("renewed").Inc()
				continue
			}

			res, err := e.expire(ctx, sub.ID, now)
			switch {
			case err != nil:
				report.Skipped++
				metrics.SweepResultsTotal.WithLabelValues("skipped").Inc()
				log.Warnf("[TrialSweep] subscription %s not expired: %v", sub.ID, err)
			case res.Outcome == OutcomeApplied:
				report.Expired++
				metrics.SweepResultsTotal.WithLabelValues("expired").Inc()
				for _, hook := range e.hooks {
					hook(res)
				}
			default:
				report.Skipped++
				metrics.SweepResultsTotal.WithLabelValues("lost_race").Inc()
			}
		}

		if len(batch) < e.batchSize {
			break
		}
	}

	sent, err := e.sendCountdowns(ctx, now)
	report.Countdowns = sent
	if err != nil {
		return report, err
	}
	return report, nil
}

// expire applies Trial -> Expired with the same version-guarded write the
// dispatcher uses. A subscription that left Trial since it was listed is
// reported as NoTransition.
func (e *Enforcer) expire(ctx context.Context, id string, now time.Time) (Result, error) {
	res := Result{Kind: KindTrialExpiry, SubscriptionID: id}
	err := e.repo.Transaction(ctx, func(tx Repository) error {
		cur, err := tx.GetSubscription(ctx, id, true)
		if err != nil {
			return err
		}
		res.UserID = cur.UserID
		res.From, res.To, res.Version = cur.State, cur.State, cur.Version
		if cur.State != models.SubscriptionStateTrial || cur.TrialEndsAt == nil || cur.TrialEndsAt.After(now) {
			res.Outcome = OutcomeNoTransition
			return nil
		}

		next := enter(*cur, models.SubscriptionStateExpired, now)
		if next.LastEventAt < now.Unix() {
			next.LastEventAt = now.Unix()
		}
		if err := tx.UpdateSubscriptionVersioned(ctx, &next, cur.Version); err != nil {
			return err
		}
		res.Outcome = OutcomeApplied
		res.To, res.Version = next.State, next.Version
		return recordNotification(ctx, tx, &next, models.NotificationExpired, trialExpiryKey, res)
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return Result{Kind: KindTrialExpiry, SubscriptionID: id, Outcome: OutcomeNoTransition}, nil
		}
		return res, err
	}
	if res.Outcome == OutcomeApplied {
		log.Infof("[TrialSweep] subscription %s of user %d expired (v%d)", id, res.UserID, res.Version)
	}
	return res, nil
}

// sendCountdowns writes one trial_countdown notification per remaining-day
// bucket for trials ending within the countdown window.
func (e *Enforcer) sendCountdowns(ctx context.Context, now time.Time) (int, error) {
	if e.countdownDays == 0 {
		return 0, nil
	}
	until := now.Add(time.Duration(e.countdownDays) * 24 * time.Hour)

	sent := 0
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		batch, err := e.repo.ListTrialsEndingBetween(ctx, now, until, afterID, e.batchSize)
		if err != nil {
			return sent, err
		}
		for i := range batch {
			sub := batch[i]
			afterID = sub.ID
			days := entitlements.TrialDaysRemaining(&sub, now)
			if days <= 0 {
				continue
			}
			created, err := e.recordCountdown(ctx, &sub, days)
			if err != nil {
				return sent, err
			}
			if created {
				sent++
			}
		}
		if len(batch) < e.batchSize {
			return sent, nil
		}
	}
}

func (e *Enforcer) recordCountdown(ctx context.Context, sub *models.BillingSubscription, days int) (bool, error) {
	payload, err := json.Marshal(notificationPayload{
		To:            sub.State,
		TrialEndsAt:   sub.TrialEndsAt,
		DaysRemaining: days,
	})
	if err != nil {
		return false, err
	}
	return e.repo.CreateNotificationIfNotExists(ctx, &models.BillingNotification{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Kind:           models.NotificationTrialCountdown,
		EventID:        fmt.Sprintf("countdown:%d", days),
		Payload:        string(payload),
	})
}
