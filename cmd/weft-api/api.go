// Package main provides the weft API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/weftworks/weft/pkg/cmd"
	"github.com/weftworks/weft/pkg/dispatch"
	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/eventbus"
	"github.com/weftworks/weft/pkg/executor"
	"github.com/weftworks/weft/pkg/persistence"
	"github.com/weftworks/weft/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persist,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	// Synchronous runs (wait=true) execute in-process with a local-only
	// dispatcher; everything else goes through the event bus to a worker.
	reg := cmd.NewRegistry(a.logger)
	invoker := cmd.NewRegistryInvoker(reg)
	dispatcher := dispatch.NewDispatcher(a.logger, invoker)
	exec := executor.NewExecutor(a.logger, dispatcher, a.persistence.StepExecutions(),
		executor.WithPublisher(a.eventBus))
	runner := engine.NewRunner(a.logger, exec, a.persistence,
		engine.WithPublisher(a.eventBus))

	handlers := web.NewAPIHandlers(a.persistence, runner, a.eventBus, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Weft API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
