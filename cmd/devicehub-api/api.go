// Package main provides the device hub API server implementation.
package main

import (
	"log/slog"

	"github.com/dukex/devicehub/pkg/cmd"
	"github.com/dukex/devicehub/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger   *slog.Logger
	runtime  *cmd.Runtime
	validate *validator.Validate
}

func NewAPI(logger *slog.Logger, runtime *cmd.Runtime) *API {
	return &API{
		logger:   logger,
		runtime:  runtime,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	rt := a.runtime

	handlers := web.NewAPIHandlers(rt.Devices, rt.Dispatcher, rt.Tracker, rt.Transfers, rt.Engine, rt.Store, a.validate)
	if rt.Inbox != nil {
		handlers.SetInbox(rt.Inbox)
	}

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, handlers.Readiness)
	app.Get("/metrics", adaptor.HTTPHandler(rt.Metrics.Handler()))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("DeviceHub API")
	})

	handlers.Register(app)

	return app
}
