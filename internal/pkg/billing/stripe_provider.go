package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/metrics"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeConfig holds the provider settings used for outbound calls.
type StripeConfig struct {
	APIKey          string
	PriceID         string
	CheckoutSuccess string
	CheckoutCancel  string
	PortalReturn    string
}

// StripeProvider implements Provider with stripe-go. The call funcs are
// fields so tests can replace them without network access.
type StripeProvider struct {
	cfg StripeConfig

	createCustomer        func(*stripe.CustomerParams) (*stripe.Customer, error)
	createCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	createPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	getSubscription       func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

// NewStripeProvider creates a provider bound to its own API client, so the
// key is never stored in stripe-go's package globals.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	sc := &client.API{}
	sc.Init(strings.TrimSpace(cfg.APIKey), nil)
	return &StripeProvider{
		cfg:                   cfg,
		createCustomer:        sc.Customers.New,
		createCheckoutSession: sc.CheckoutSessions.New,
		createPortalSession:   sc.BillingPortalSessions.New,
		getSubscription:       sc.Subscriptions.Get,
	}
}

func customerIdempotencyKey(userID uint) string {
	return "billingsync-customer-" + strconv.FormatUint(uint64(userID), 10)
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, userID uint, email string) (string, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx},
	}
	if e := strings.TrimSpace(email); e != "" {
		params.Email = stripe.String(e)
	}
	params.AddMetadata("user_id", strconv.FormatUint(uint64(userID), 10))
	params.SetIdempotencyKey(customerIdempotencyKey(userID))

	c, err := p.createCustomer(params)
	if err != nil {
		return "", p.wrap("create_customer", err)
	}
	observeProviderCall("create_customer", nil)
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, customer *models.BillingCustomer) (string, error) {
	if strings.TrimSpace(p.cfg.PriceID) == "" {
		return "", fmt.Errorf("%w: price id not configured", ErrProviderRejected)
	}
	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customer.ExternalCustomerID),
		ClientReferenceID: stripe.String(strconv.FormatUint(uint64(customer.UserID), 10)),
		SuccessURL:        stripe.String(p.cfg.CheckoutSuccess),
		CancelURL:         stripe.String(p.cfg.CheckoutCancel),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(strings.TrimSpace(p.cfg.PriceID)),
				Quantity: stripe.Int64(1),
			},
		},
	}

	session, err := p.createCheckoutSession(params)
	if err != nil {
		return "", p.wrap("create_checkout_session", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		observeProviderCall("create_checkout_session", ErrProviderRejected)
		return "", fmt.Errorf("%w: checkout session without url", ErrProviderRejected)
	}
	observeProviderCall("create_checkout_session", nil)
	return session.URL, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customer *models.BillingCustomer) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customer.ExternalCustomerID),
		ReturnURL: stripe.String(p.cfg.PortalReturn),
	}

	session, err := p.createPortalSession(params)
	if err != nil {
		return "", p.wrap("create_portal_session", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		observeProviderCall("create_portal_session", ErrProviderRejected)
		return "", fmt.Errorf("%w: portal session without url", ErrProviderRejected)
	}
	observeProviderCall("create_portal_session", nil)
	return session.URL, nil
}

// HasRenewalOnFile is true for active subscriptions and for trialing ones with
// a default payment method on the subscription or its customer.
func (p *StripeProvider) HasRenewalOnFile(ctx context.Context, sub *models.BillingSubscription) (bool, error) {
	extID := sub.ExternalID()
	if extID == "" {
		return false, nil
	}
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	params.AddExpand("customer")

	s, err := p.getSubscription(extID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			observeProviderCall("get_subscription", nil)
			return false, nil
		}
		return false, p.wrap("get_subscription", err)
	}
	observeProviderCall("get_subscription", nil)

	switch s.Status {
	case stripe.SubscriptionStatusActive:
		return true, nil
	case stripe.SubscriptionStatusTrialing:
		if s.DefaultPaymentMethod != nil {
			return true, nil
		}
		if s.Customer != nil && s.Customer.InvoiceSettings != nil && s.Customer.InvoiceSettings.DefaultPaymentMethod != nil {
			return true, nil
		}
		return false, nil
	default:
		return false, nil
	}
}

// wrap classifies a stripe-go error: 4xx responses are rejections, anything
// else (network, 5xx, rate limiting) is unreachable.
func (p *StripeProvider) wrap(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 && serr.HTTPStatusCode != 429 {
		observeProviderCall(op, ErrProviderRejected)
		return fmt.Errorf("%s: %w: %v", op, ErrProviderRejected, err)
	}
	observeProviderCall(op, ErrProviderUnreachable)
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnreachable, err)
}

func observeProviderCall(op string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrProviderRejected):
		result = "rejected"
	case err != nil:
		result = "unreachable"
	}
	metrics.ProviderCallsTotal.WithLabelValues(op, result).Inc()
}
