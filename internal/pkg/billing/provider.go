package billing

import (
	"context"

	"github.com/ManuelReschke/billingsync/app/models"
)

// Provider is the outbound side of the billing provider. Implementations
// return errors wrapping ErrProviderUnreachable or ErrProviderRejected.
type Provider interface {
	// CreateCustomer creates the provider-side customer for a user. Repeated
	// calls for the same user must resolve to the same provider customer.
	CreateCustomer(ctx context.Context, userID uint, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, customer *models.BillingCustomer) (string, error)
	CreatePortalSession(ctx context.Context, customer *models.BillingCustomer) (string, error)
	// HasRenewalOnFile reports whether the provider will charge the
	// subscription when its trial ends.
	HasRenewalOnFile(ctx context.Context, sub *models.BillingSubscription) (bool, error)
}
