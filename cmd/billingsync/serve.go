package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/billingsync/internal/pkg/cache"
	"github.com/ManuelReschke/billingsync/internal/pkg/env"
	"github.com/ManuelReschke/billingsync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/billingsync/internal/pkg/router"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the background sweeps",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()

	app := NewApplication(rt)

	manager := jobqueue.NewManager(rt.svc, jobqueue.Options{
		SweepInterval:      rt.cfg.Billing.SweepInterval,
		StuckCheckInterval: rt.cfg.Billing.StuckCheckInterval,
		StuckEventAge:      rt.cfg.Billing.StuckEventAge,
		ReplayStuckEvents:  rt.cfg.Billing.ReplayStuckEvents,
	})
	manager.Start()
	defer manager.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf("%s:%s", rt.cfg.AppHost, rt.cfg.AppPort))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("[Server] Received %s, shutting down", sig)
		return app.ShutdownWithTimeout(10 * time.Second)
	}
}

// NewApplication builds the fiber app with its middleware and routes.
func NewApplication(rt *runtime) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:             1 << 20, // webhook payloads are small
		DisableStartupMessage: !env.IsDev(),
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	deps := router.Dependencies{
		Billing:         rt.svc,
		DB:              rt.db,
		InternalAPIKey:  rt.cfg.InternalAPIKey,
		RateLimitMax:    rt.cfg.RateLimitMax,
		RateLimitWindow: rt.cfg.RateLimitWindow,
	}
	if rt.redis != nil {
		deps.LimiterStorage = cache.NewLimiterStorage(rt.cfg.Cache)
	}
	if deps.InternalAPIKey == "" {
		log.Warn("[Server] INTERNAL_API_KEY is empty (APP_ENV=dev), identity headers are trusted as sent")
	}
	router.InstallRouter(app, deps)

	return app
}
