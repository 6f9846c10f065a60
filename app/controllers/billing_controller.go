package controllers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
	"github.com/ManuelReschke/billingsync/internal/pkg/metrics"
	"github.com/ManuelReschke/billingsync/internal/pkg/usercontext"
)

const (
	webhookTimeout = 15 * time.Second
	requestTimeout = 10 * time.Second
)

// BillingController exposes the billing service over HTTP.
type BillingController struct {
	svc      *billing.Service
	validate *validator.Validate
}

func NewBillingController(svc *billing.Service) *BillingController {
	return &BillingController{svc: svc, validate: validator.New()}
}

type notificationsQuery struct {
	Limit  int  `query:"limit" validate:"gte=0,lte=200"`
	Unread bool `query:"unread"`
}

// HandleWebhook accepts Stripe events. Anything short of a storage failure
// is acknowledged so the provider stops redelivering.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	start := time.Now()
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(c.UserContext(), webhookTimeout)
	defer cancel()

	res, err := bc.svc.ProcessWebhook(ctx, rawBody, signature)
	eventType := string(res.Kind)
	if eventType == "" {
		eventType = "unknown"
	}
	defer func() {
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	switch {
	case errors.Is(err, billing.ErrSignatureInvalid):
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "invalid_signature").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	case errors.Is(err, billing.ErrReplayedTimestamp):
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "replayed").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "timestamp_outside_tolerance"})
	case errors.Is(err, billing.ErrMalformedEvent):
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "malformed").Inc()
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	case err != nil:
		log.Errorf("[Billing] webhook %s failed: %v", res.EventID, err)
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, "error").Inc()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	// A malformed data.object is already marked processed; a 4xx here would
	// only make Stripe redeliver into a duplicate.
	status := "ok"
	if res.Outcome == billing.OutcomeMalformed {
		status = "malformed"
	}
	metrics.WebhookRequestsTotal.WithLabelValues(eventType, status).Inc()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true, "outcome": res.Outcome})
}

func (bc *BillingController) HandleSummary(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	summary, err := bc.svc.GetSubscriptionSummary(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(summary)
}

func (bc *BillingController) HandleStartTrial(c *fiber.Ctx) error {
	uc := usercontext.GetUserContext(c)
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	if _, err := bc.svc.StartTrial(ctx, uc.UserID, uc.Email); err != nil {
		return billingError(c, err)
	}
	summary, err := bc.svc.GetSubscriptionSummary(ctx, uc.UserID)
	if err != nil {
		return billingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(summary)
}

func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	url, err := bc.svc.CreateSubscriptionCheckout(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"url": url})
}

func (bc *BillingController) HandlePortal(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	url, err := bc.svc.CreateBillingPortalSession(ctx, usercontext.GetUserID(c))
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"url": url})
}

func (bc *BillingController) HandleListNotifications(c *fiber.Ctx) error {
	var q notificationsQuery
	if err := c.QueryParser(&q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_query"})
	}
	if err := bc.validate.Struct(q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_query", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	list, err := bc.svc.ListNotifications(ctx, usercontext.GetUserID(c), q.Unread, q.Limit)
	if err != nil {
		return billingError(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list})
}

func (bc *BillingController) HandleMarkNotificationRead(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_id"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	if err := bc.svc.MarkNotificationRead(ctx, usercontext.GetUserID(c), uint(id)); err != nil {
		return billingError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// billingError maps service errors to status codes.
func billingError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, billing.ErrNoCustomer):
		status, code = fiber.StatusNotFound, "no_customer"
	case errors.Is(err, billing.ErrNotificationNotFound):
		status, code = fiber.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrLiveSubscriptionExists):
		status, code = fiber.StatusConflict, "live_subscription_exists"
	case errors.Is(err, billing.ErrTrialAlreadyUsed):
		status, code = fiber.StatusConflict, "trial_already_used"
	case errors.Is(err, billing.ErrProviderRejected):
		status, code = fiber.StatusBadGateway, "provider_rejected"
	case errors.Is(err, billing.ErrProviderUnreachable):
		status, code = fiber.StatusBadGateway, "provider_unreachable"
	case errors.Is(err, billing.ErrStorageUnavailable):
		status, code = fiber.StatusServiceUnavailable, "storage_unavailable"
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[Billing] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}
