package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// DefaultTrialDays is used when no trial length is configured.
const DefaultTrialDays = 14

// Creator starts local trials and hands users off to provider-hosted checkout
// and portal pages.
type Creator struct {
	repo      Repository
	registry  *Registry
	provider  Provider
	clock     Clock
	trialDays int
	newID     func() string
	hooks     []CommitHook
}

// NewCreator creates a subscription creator.
func NewCreator(repo Repository, registry *Registry, provider Provider, clock Clock, trialDays int) *Creator {
	if clock == nil {
		clock = defaultClock
	}
	if trialDays <= 0 {
		trialDays = DefaultTrialDays
	}
	return &Creator{
		repo:      repo,
		registry:  registry,
		provider:  provider,
		clock:     clock,
		trialDays: trialDays,
		newID:     uuid.NewString,
	}
}

// OnCommit registers a hook that runs after a trial was opened.
func (c *Creator) OnCommit(hook CommitHook) {
	c.hooks = append(c.hooks, hook)
}

// StartTrial opens a Trial subscription for the user. Each customer gets one
// trial; coming back after a terminal state goes through checkout.
func (c *Creator) StartTrial(ctx context.Context, userID uint, email string) (*models.BillingSubscription, error) {
	customer, err := c.registry.GetOrCreateCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}

	now := c.clock()
	var sub *models.BillingSubscription
	err = c.repo.Transaction(ctx, func(tx Repository) error {
		locked, err := tx.GetCustomerByExternalID(ctx, customer.ExternalCustomerID, true)
		if err != nil {
			return err
		}
		if locked.CurrentSubscriptionID != nil {
			cur, err := tx.GetSubscription(ctx, *locked.CurrentSubscriptionID, false)
			if err != nil && !isNotFound(err) {
				return err
			}
			if cur != nil && models.IsLiveState(cur.State) {
				return ErrLiveSubscriptionExists
			}
		}
		history, err := tx.ListSubscriptionsByCustomer(ctx, locked.ID)
		if err != nil {
			return err
		}
		if len(history) > 0 {
			return ErrTrialAlreadyUsed
		}

		trialEnds := now.Add(time.Duration(c.trialDays) * 24 * time.Hour)
		live := locked.ID
		sub = &models.BillingSubscription{
			ID:          c.newID(),
			CustomerID:  locked.ID,
			UserID:      locked.UserID,
			State:       models.SubscriptionStateTrial,
			TrialEndsAt: &trialEnds,
			Version:     1,
			LastEventAt: now.Unix(),
			LiveKey:     &live,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.SetCurrentSubscription(ctx, locked.ID, sub.ID); err != nil {
			return err
		}
		return recordNotification(ctx, tx, sub, models.NotificationTrialStarted, "trial-start", Result{})
	})
	if err != nil {
		if !errors.Is(err, ErrLiveSubscriptionExists) && !errors.Is(err, ErrTrialAlreadyUsed) {
			log.Errorf("[Billing] start trial for user %d failed: %v", userID, err)
		}
		return nil, err
	}

	log.Infof("[Billing] user %d started trial %s ending %s", userID, sub.ID, sub.TrialEndsAt.Format(time.RFC3339))
	res := Result{
		Kind:           KindSubscriptionCreated,
		Outcome:        OutcomeApplied,
		UserID:         userID,
		SubscriptionID: sub.ID,
		To:             sub.State,
		Version:        sub.Version,
	}
	for _, hook := range c.hooks {
		hook(res)
	}
	return sub, nil
}

// CreateSubscriptionCheckout returns a provider checkout URL. The resulting
// subscription only becomes visible locally once its webhook arrives.
func (c *Creator) CreateSubscriptionCheckout(ctx context.Context, userID uint) (string, error) {
	customer, err := c.registry.Customer(ctx, userID)
	if err != nil {
		return "", err
	}
	return c.provider.CreateCheckoutSession(ctx, customer)
}

// CreateBillingPortalSession returns a provider billing portal URL.
func (c *Creator) CreateBillingPortalSession(ctx context.Context, userID uint) (string, error) {
	customer, err := c.registry.Customer(ctx, userID)
	if err != nil {
		return "", err
	}
	return c.provider.CreatePortalSession(ctx, customer)
}
