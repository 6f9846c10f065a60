package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
)

func newTestStripeProvider() *StripeProvider {
	return &StripeProvider{cfg: StripeConfig{
		PriceID:         "price_123",
		CheckoutSuccess: "https://app.example.com/billing/success",
		CheckoutCancel:  "https://app.example.com/billing/cancel",
		PortalReturn:    "https://app.example.com/account",
	}}
}

func TestStripeProviderCreateCustomer(t *testing.T) {
	p := newTestStripeProvider()
	var got *stripe.CustomerParams
	p.createCustomer = func(params *stripe.CustomerParams) (*stripe.Customer, error) {
		got = params
		return &stripe.Customer{ID: "cus_abc"}, nil
	}

	id, err := p.CreateCustomer(context.Background(), 42, " user42@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "cus_abc", id)
	require.NotNil(t, got)
	assert.Equal(t, "user42@example.com", *got.Email)
	assert.Equal(t, "42", got.Metadata["user_id"])
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, "billingsync-customer-42", *got.IdempotencyKey)
}

func TestStripeProviderErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad request", &stripe.Error{HTTPStatusCode: 400, Msg: "bad"}, ErrProviderRejected},
		{"not found", &stripe.Error{HTTPStatusCode: 404, Msg: "missing"}, ErrProviderRejected},
		{"rate limited", &stripe.Error{HTTPStatusCode: 429, Msg: "slow down"}, ErrProviderUnreachable},
		{"server error", &stripe.Error{HTTPStatusCode: 503, Msg: "down"}, ErrProviderUnreachable},
		{"network", errors.New("dial tcp: connection refused"), ErrProviderUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestStripeProvider()
			p.createCustomer = func(*stripe.CustomerParams) (*stripe.Customer, error) {
				return nil, tt.err
			}
			_, err := p.CreateCustomer(context.Background(), 1, "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStripeProviderCheckoutSession(t *testing.T) {
	p := newTestStripeProvider()
	var got *stripe.CheckoutSessionParams
	p.createCheckoutSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		got = params
		return &stripe.CheckoutSession{URL: "https://checkout.stripe.com/c/pay/cs_test"}, nil
	}
	customer := &models.BillingCustomer{UserID: 7, ExternalCustomerID: "cus_7"}

	url, err := p.CreateCheckoutSession(context.Background(), customer)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test", url)
	assert.Equal(t, "subscription", *got.Mode)
	assert.Equal(t, "cus_7", *got.Customer)
	assert.Equal(t, "7", *got.ClientReferenceID)
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "price_123", *got.LineItems[0].Price)

	p.cfg.PriceID = ""
	_, err = p.CreateCheckoutSession(context.Background(), customer)
	assert.ErrorIs(t, err, ErrProviderRejected)
}

func TestStripeProviderPortalSessionWithoutURL(t *testing.T) {
	p := newTestStripeProvider()
	p.createPortalSession = func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
		return &stripe.BillingPortalSession{}, nil
	}
	_, err := p.CreatePortalSession(context.Background(), &models.BillingCustomer{ExternalCustomerID: "cus_1"})
	assert.ErrorIs(t, err, ErrProviderRejected)
}

func TestStripeProviderHasRenewalOnFile(t *testing.T) {
	extID := "sub_1"
	withPM := &stripe.PaymentMethod{ID: "pm_1"}

	tests := []struct {
		name    string
		sub     *stripe.Subscription
		err     error
		want    bool
		wantErr error
	}{
		{name: "active", sub: &stripe.Subscription{Status: stripe.SubscriptionStatusActive}, want: true},
		{name: "trialing without method", sub: &stripe.Subscription{Status: stripe.SubscriptionStatusTrialing, Customer: &stripe.Customer{}}, want: false},
		{name: "trialing with subscription method", sub: &stripe.Subscription{Status: stripe.SubscriptionStatusTrialing, DefaultPaymentMethod: withPM}, want: true},
		{
			name: "trialing with customer method",
			sub: &stripe.Subscription{
				Status:   stripe.SubscriptionStatusTrialing,
				Customer: &stripe.Customer{InvoiceSettings: &stripe.CustomerInvoiceSettings{DefaultPaymentMethod: withPM}},
			},
			want: true,
		},
		{name: "canceled", sub: &stripe.Subscription{Status: stripe.SubscriptionStatusCanceled}, want: false},
		{name: "missing", err: &stripe.Error{HTTPStatusCode: 404, Code: stripe.ErrorCodeResourceMissing}, want: false},
		{name: "unreachable", err: &stripe.Error{HTTPStatusCode: 500}, wantErr: ErrProviderUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestStripeProvider()
			p.getSubscription = func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
				assert.Equal(t, extID, id)
				return tt.sub, tt.err
			}
			got, err := p.HasRenewalOnFile(context.Background(), &models.BillingSubscription{ExternalSubscriptionID: &extID})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStripeProviderHasRenewalWithoutExternalID(t *testing.T) {
	p := newTestStripeProvider()
	p.getSubscription = func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error) {
		t.Fatal("provider must not be called")
		return nil, nil
	}
	got, err := p.HasRenewalOnFile(context.Background(), &models.BillingSubscription{})
	require.NoError(t, err)
	assert.False(t, got)
}
