package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/billingsync/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
)

// CommitHook runs after a transaction that handled an event has committed.
type CommitHook func(res Result)

// Dispatcher routes verified, ledger-recorded events to transition handlers
// and applies the result in a single transaction.
type Dispatcher struct {
	repo     Repository
	clock    Clock
	handlers map[EventKind]handlerFunc
	newID    func() string
	hooks    []CommitHook
}

// NewDispatcher creates a dispatcher over repo.
func NewDispatcher(repo Repository, clock Clock) *Dispatcher {
	if clock == nil {
		clock = defaultClock
	}
	return &Dispatcher{
		repo:     repo,
		clock:    clock,
		handlers: transitionHandlers,
		newID:    uuid.NewString,
	}
}

// OnCommit registers a hook that runs after every committed event.
func (d *Dispatcher) OnCommit(hook CommitHook) {
	d.hooks = append(d.hooks, hook)
}

// HandleEvent applies one event. The ledger row must exist; it is locked,
// re-checked and marked processed in the same transaction as the state write,
// so a failure anywhere leaves the event unprocessed for redelivery.
func (d *Dispatcher) HandleEvent(ctx context.Context, env Envelope) (Result, error) {
	kind, known := KindOf(env.Type)
	res := Result{EventID: env.EventID, Kind: kind}

	err := d.repo.Transaction(ctx, func(tx Repository) error {
		event, err := tx.GetWebhookEvent(ctx, env.EventID, true)
		if err != nil {
			if isNotFound(err) {
				return ErrEventNotRecorded
			}
			return err
		}
		if event.IsProcessed() {
			res.Outcome = OutcomeDuplicateEvent
			return nil
		}

		out := Result{EventID: env.EventID, Kind: kind, Outcome: OutcomeUnknownEventType, Detail: "type " + env.Type}
		if known {
			if out, err = d.apply(ctx, tx, kind, env); err != nil {
				return err
			}
		}
		if err := tx.MarkWebhookProcessed(ctx, event.ID, string(out.Outcome), out.Detail, d.clock()); err != nil {
			return err
		}
		res = out
		return nil
	})
	if err != nil {
		return Result{EventID: env.EventID, Kind: kind}, err
	}

	d.logResult(env, res)
	if res.Outcome != OutcomeDuplicateEvent {
		for _, hook := range d.hooks {
			hook(res)
		}
	}
	return res, nil
}

func (d *Dispatcher) apply(ctx context.Context, tx Repository, kind EventKind, env Envelope) (Result, error) {
	res := Result{EventID: env.EventID, Kind: kind}

	data, err := parseEventData(kind, env.Object)
	if err != nil {
		res.Outcome = OutcomeMalformed
		res.Detail = err.Error()
		return res, nil
	}

	customer, err := tx.GetCustomerByExternalID(ctx, data.CustomerID, true)
	if err != nil {
		if isNotFound(err) {
			res.Outcome = OutcomeUnknownCustomer
			res.Detail = "customer " + data.CustomerID
			return res, nil
		}
		return res, err
	}
	res.UserID = customer.UserID

	var cur *models.BillingSubscription
	if customer.CurrentSubscriptionID != nil {
		cur, err = tx.GetSubscription(ctx, *customer.CurrentSubscriptionID, true)
		if err != nil && !isNotFound(err) {
			return res, err
		}
	}

	// The event is about a different provider subscription than the current row.
	if cur != nil && data.SubscriptionID != "" && cur.ExternalID() != data.SubscriptionID &&
		(cur.ExternalID() != "" || cur.IsTerminal()) {
		other, err := tx.GetSubscriptionByExternalID(ctx, customer.ID, data.SubscriptionID)
		switch {
		case err == nil:
			res.SubscriptionID = other.ID
			res.From, res.To, res.Version = other.State, other.State, other.Version
			if other.IsTerminal() {
				res.Outcome = OutcomeTerminalIgnored
			} else {
				res.Outcome = OutcomeNoTransition
			}
			res.Detail = fmt.Sprintf("event for non-current subscription %s", data.SubscriptionID)
			return res, nil
		case !isNotFound(err):
			return res, err
		case !cur.IsTerminal():
			res.SubscriptionID = cur.ID
			res.From, res.To, res.Version = cur.State, cur.State, cur.Version
			res.Outcome = OutcomeNoTransition
			res.Detail = fmt.Sprintf("provider subscription %s does not match current %s", data.SubscriptionID, cur.ExternalID())
			return res, nil
		case kind == KindSubscriptionCreated || kind == KindSubscriptionUpdated:
			// A provider subscription we have never seen while the current
			// row is terminal: a re-subscription.
			cur = nil
		}
	}

	if cur != nil {
		res.SubscriptionID = cur.ID
		res.From, res.To, res.Version = cur.State, cur.State, cur.Version
		if env.Created < cur.LastEventAt {
			res.Outcome = OutcomeStaleTransition
			res.Detail = fmt.Sprintf("event created %d before last event %d", env.Created, cur.LastEventAt)
			return res, nil
		}
		if cur.IsTerminal() {
			res.Outcome = OutcomeTerminalIgnored
			res.Detail = "subscription is " + cur.State
			return res, nil
		}
	}

	plan := d.handlers[kind](cur, data, env.CreatedAt())
	res.Outcome = plan.outcome
	res.Detail = plan.detail

	var target *models.BillingSubscription
	switch {
	case plan.open != nil:
		open := plan.open
		open.ID = d.newID()
		open.CustomerID = customer.ID
		open.UserID = customer.UserID
		live := customer.ID
		open.LiveKey = &live
		if err := tx.CreateSubscription(ctx, open); err != nil {
			return res, err
		}
		if err := tx.SetCurrentSubscription(ctx, customer.ID, open.ID); err != nil {
			return res, err
		}
		res.SubscriptionID = open.ID
		res.From, res.To, res.Version = "", open.State, open.Version
		target = open
	case plan.skipWrite:
		target = cur
	default:
		next := plan.next
		if next.LastEventAt < env.Created {
			next.LastEventAt = env.Created
		}
		if err := tx.UpdateSubscriptionVersioned(ctx, &next, cur.Version); err != nil {
			return res, err
		}
		res.To, res.Version = next.State, next.Version
		target = &next
	}

	if plan.notification != "" && target != nil {
		if err := recordNotification(ctx, tx, target, plan.notification, env.EventID, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func recordNotification(ctx context.Context, tx Repository, sub *models.BillingSubscription, kind, key string, res Result) error {
	payload, err := json.Marshal(notificationPayload{
		From:             res.From,
		To:               sub.State,
		TrialEndsAt:      sub.TrialEndsAt,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		AccessEndsAt:     sub.AccessEndsAt,
	})
	if err != nil {
		return err
	}
	_, err = tx.CreateNotificationIfNotExists(ctx, &models.BillingNotification{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Kind:           kind,
		EventID:        key,
		Payload:        string(payload),
	})
	return err
}

type notificationPayload struct {
	From             string     `json:"from,omitempty"`
	To               string     `json:"to"`
	TrialEndsAt      *time.Time `json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	AccessEndsAt     *time.Time `json:"access_ends_at,omitempty"`
	DaysRemaining    int        `json:"days_remaining,omitempty"`
}

func (d *Dispatcher) logResult(env Envelope, res Result) {
	switch res.Outcome {
	case OutcomeApplied:
		log.Infof("[Billing] event %s (%s) user=%d subscription=%s %s -> %s v%d",
			env.EventID, env.Type, res.UserID, res.SubscriptionID, res.From, res.To, res.Version)
	case OutcomeTerminalIgnored, OutcomeUnknownCustomer, OutcomeMalformed:
		log.Warnf("[Billing] event %s (%s) %s: %s", env.EventID, env.Type, res.Outcome, res.Detail)
	case OutcomeNoTransition:
		if res.Detail != "" {
			log.Infof("[Billing] event %s (%s) no transition: %s", env.EventID, env.Type, res.Detail)
		}
	default:
		log.Debugf("[Billing] event %s (%s) %s", env.EventID, env.Type, res.Outcome)
	}
}
