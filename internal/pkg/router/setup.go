package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/ManuelReschke/billingsync/internal/pkg/billing"
)

type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the shared resources the routers need.
type Dependencies struct {
	Billing         *billing.Service
	DB              *gorm.DB
	InternalAPIKey  string
	LimiterStorage  fiber.Storage
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewOpsRouter(deps.DB), NewBillingRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
