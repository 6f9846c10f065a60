package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/entitlements"
	"github.com/gofiber/fiber/v2/log"
)

// DefaultSummaryTTL bounds how long a cached summary may lag behind a commit
// whose invalidation was lost.
const DefaultSummaryTTL = 60 * time.Second

// JSONCache is the read-through cache used for summaries.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func summaryCacheKey(userID uint) string {
	return fmt.Sprintf("billing:summary:%d", userID)
}

// BuildSummary projects a subscription for the presentation layer.
func BuildSummary(sub *models.BillingSubscription, now time.Time) Summary {
	if sub == nil {
		return Summary{State: SummaryStateNone, Plan: string(entitlements.PlanFree)}
	}
	return Summary{
		State:              sub.State,
		Plan:               string(entitlements.PlanFor(sub, now)),
		TrialDaysRemaining: entitlements.TrialDaysRemaining(sub, now),
		TrialEndsAt:        sub.TrialEndsAt,
		PeriodEnd:          sub.CurrentPeriodEnd,
		HasAccess:          entitlements.HasAccess(sub, now),
		AccessEndsAt:       sub.AccessEndsAt,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Version:            sub.Version,
	}
}

// GetSubscriptionSummary returns the summary of the user's current
// subscription. Cache failures fall back to the database.
//
// A commit can land between the read and the cache write, and its
// invalidation then runs before the write. The row is read again after the
// write and the entry dropped when it no longer matches.
func (s *Service) GetSubscriptionSummary(ctx context.Context, userID uint) (Summary, error) {
	key := summaryCacheKey(userID)
	if s.cache != nil {
		var cached Summary
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			log.Warnf("[Billing] summary cache read for user %d failed: %v", userID, err)
		} else if hit {
			return cached, nil
		}
	}

	sub, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	summary := BuildSummary(sub, s.clock())

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, summary, s.summaryTTL); err != nil {
			log.Warnf("[Billing] summary cache write for user %d failed: %v", userID, err)
		} else if s.summaryOutdated(ctx, userID, sub) {
			s.invalidateSummary(userID)
		}
	}
	return summary, nil
}

// summaryOutdated reports whether the user's current subscription moved past
// read. Errors count as outdated.
func (s *Service) summaryOutdated(ctx context.Context, userID uint, read *models.BillingSubscription) bool {
	cur, err := s.currentSubscription(ctx, userID)
	if err != nil {
		return true
	}
	if cur == nil || read == nil {
		return cur != read
	}
	return cur.ID != read.ID || cur.Version != read.Version
}

func (s *Service) currentSubscription(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	customer, err := s.repo.GetCustomerByUserID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if customer.CurrentSubscriptionID == nil {
		return nil, nil
	}
	sub, err := s.repo.GetSubscription(ctx, *customer.CurrentSubscriptionID, false)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (s *Service) invalidateSummary(userID uint) {
	if s.cache == nil || userID == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, summaryCacheKey(userID)); err != nil {
		log.Warnf("[Billing] summary cache invalidation for user %d failed: %v", userID, err)
	}
}
