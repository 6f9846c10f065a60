package router

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/billingsync/app/controllers"
	"github.com/ManuelReschke/billingsync/internal/pkg/middleware"
	"github.com/ManuelReschke/billingsync/internal/pkg/usercontext"
)

type BillingRouter struct {
	deps Dependencies
}

func NewBillingRouter(deps Dependencies) *BillingRouter {
	return &BillingRouter{deps: deps}
}

func (b BillingRouter) InstallRouter(app *fiber.App) {
	ctrl := controllers.NewBillingController(b.deps.Billing)

	// the webhook carries its own signature and is never rate limited
	app.Post("/billing/webhook", ctrl.HandleWebhook)

	user := app.Group("/billing")
	chain := []fiber.Handler{
		middleware.TrustedIdentity(b.deps.InternalAPIKey),
		middleware.RequireAPISessionAuth,
	}
	if b.deps.RateLimitMax > 0 {
		// one limiter so all routes share the per-user budget
		chain = append(chain, b.limiter())
	}
	protected := func(h fiber.Handler) []fiber.Handler {
		handlers := make([]fiber.Handler, 0, len(chain)+1)
		handlers = append(handlers, chain...)
		return append(handlers, h)
	}

	user.Get("/summary", protected(ctrl.HandleSummary)...)
	user.Post("/trial", protected(ctrl.HandleStartTrial)...)
	user.Post("/checkout", protected(ctrl.HandleCheckout)...)
	user.Post("/portal", protected(ctrl.HandlePortal)...)
	user.Get("/notifications", protected(ctrl.HandleListNotifications)...)
	user.Post("/notifications/:id/read", protected(ctrl.HandleMarkNotificationRead)...)
}

func (b BillingRouter) limiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        b.deps.RateLimitMax,
		Expiration: b.deps.RateLimitWindow,
		Storage:    b.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "billing:" + strconv.FormatUint(uint64(usercontext.GetUserID(c)), 10)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate_limited"})
		},
	})
}
