package mail

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
)

// CustomerLookup resolves the billing customer of a user.
type CustomerLookup interface {
	Customer(ctx context.Context, userID uint) (*models.BillingCustomer, error)
}

// Sender is satisfied by *Mailer.
type Sender interface {
	SendMail(to, subject, body string) error
}

// Notifier emails customers when their subscription changes state. Mails
// are sent after the commit and off the request path.
type Notifier struct {
	sender    Sender
	customers CustomerLookup
	baseURL   string
	wg        sync.WaitGroup
}

func NewNotifier(sender Sender, customers CustomerLookup, baseURL string) *Notifier {
	return &Notifier{sender: sender, customers: customers, baseURL: strings.TrimRight(baseURL, "/")}
}

// Hook returns the commit hook to register on the billing service.
func (n *Notifier) Hook() billing.CommitHook {
	return func(res billing.Result) {
		subject, body, ok := n.transitionMessage(res)
		if !ok {
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			customer, err := n.customers.Customer(ctx, res.UserID)
			if err != nil {
				log.Warnf("[Mail] no customer for user %d: %v", res.UserID, err)
				return
			}
			if customer.Email == "" {
				return
			}
			_ = n.sender.SendMail(customer.Email, subject, body)
		}()
	}
}

// Wait blocks until queued mails are sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) transitionMessage(res billing.Result) (string, string, bool) {
	if !res.Changed() {
		return "", "", false
	}
	var subject, text string
	switch res.To {
	case models.SubscriptionStateTrial:
		subject = "Your free trial has started"
		text = "Your free trial is active. Add a payment method before it ends to keep access."
	case models.SubscriptionStateActive:
		if res.From != models.SubscriptionStateTrial {
			return "", "", false
		}
		subject = "Your subscription is active"
		text = "Thanks for subscribing. Your subscription is now active."
	case models.SubscriptionStatePastDue:
		subject = "Your payment failed"
		text = "We could not charge your payment method. Please update it to keep your subscription."
	case models.SubscriptionStateCancelled:
		subject = "Your subscription was cancelled"
		text = "Your subscription was cancelled. Your account page shows until when you keep access."
	case models.SubscriptionStateExpired:
		subject = "Your free trial has ended"
		text = "Your free trial has ended. Subscribe to continue."
	default:
		return "", "", false
	}

	body := fmt.Sprintf("<p>%s</p>", html.EscapeString(text))
	if n.baseURL != "" {
		link := html.EscapeString(n.baseURL + "/account")
		body += fmt.Sprintf(`<p><a href="%s">Manage your subscription</a></p>`, link)
	}
	return subject, body, true
}
