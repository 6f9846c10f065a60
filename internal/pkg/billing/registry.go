package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// Registry maps local users to provider customers.
type Registry struct {
	repo     Repository
	provider Provider
}

// NewRegistry creates a customer registry.
func NewRegistry(repo Repository, provider Provider) *Registry {
	return &Registry{repo: repo, provider: provider}
}

// GetOrCreateCustomer returns the user's customer, creating it at the
// provider first when missing. Concurrent callers collapse onto one row via
// the unique user_id and onto one provider customer via the idempotency key.
// Nothing is persisted when the provider call fails.
func (r *Registry) GetOrCreateCustomer(ctx context.Context, userID uint, email string) (*models.BillingCustomer, error) {
	if userID == 0 {
		return nil, errors.New("user_id is required")
	}

	existing, err := r.repo.GetCustomerByUserID(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	externalID, err := r.provider.CreateCustomer(ctx, userID, email)
	if err != nil {
		return nil, err
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("%w: empty customer id", ErrProviderRejected)
	}

	created, stored, err := r.repo.CreateCustomerIfNotExists(ctx, &models.BillingCustomer{
		UserID:             userID,
		Provider:           models.BillingProviderStripe,
		ExternalCustomerID: externalID,
		Email:              strings.TrimSpace(email),
	})
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("[Billing] registered customer %s for user %d", stored.ExternalCustomerID, userID)
	} else if stored.ExternalCustomerID != externalID {
		log.Warnf("[Billing] user %d already mapped to %s, provider returned %s", userID, stored.ExternalCustomerID, externalID)
	}
	return stored, nil
}

// LookupCustomer resolves a provider customer id to the local user id.
func (r *Registry) LookupCustomer(ctx context.Context, externalCustomerID string) (uint, error) {
	c, err := r.repo.GetCustomerByExternalID(ctx, strings.TrimSpace(externalCustomerID), false)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrUnknownCustomer
		}
		return 0, err
	}
	return c.UserID, nil
}

// Customer returns the registry entry of a user or ErrNoCustomer.
func (r *Registry) Customer(ctx context.Context, userID uint) (*models.BillingCustomer, error) {
	c, err := r.repo.GetCustomerByUserID(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNoCustomer
		}
		return nil, err
	}
	return c, nil
}
