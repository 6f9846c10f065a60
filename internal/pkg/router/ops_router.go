package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type OpsRouter struct {
	db *gorm.DB
}

func NewOpsRouter(db *gorm.DB) *OpsRouter {
	return &OpsRouter{db: db}
}

func (o OpsRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", o.healthz)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (o OpsRouter) healthz(c *fiber.Ctx) error {
	if o.db == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	sqlDB, err := o.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}
