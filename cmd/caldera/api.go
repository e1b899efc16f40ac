// Package main provides the Caldera API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"

	http_request "github.com/caldera-ci/caldera/pkg/actions/httprequest"
	log_action "github.com/caldera-ci/caldera/pkg/actions/log"
	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/engine"
	"github.com/caldera-ci/caldera/pkg/eventbus"
	"github.com/caldera-ci/caldera/pkg/intake"
	"github.com/caldera-ci/caldera/pkg/ledger"
	"github.com/caldera-ci/caldera/pkg/orchestrator"
	"github.com/caldera-ci/caldera/pkg/protocol"
	"github.com/caldera-ci/caldera/pkg/registry"
	"github.com/caldera-ci/caldera/pkg/resolve"
	"github.com/caldera-ci/caldera/pkg/scheduler"
	cronsource "github.com/caldera-ci/caldera/pkg/sources/cron"
	"github.com/caldera-ci/caldera/pkg/sources/upstream"
	"github.com/caldera-ci/caldera/pkg/web"
)

// UpstreamConfig configures the optional Redis-backed upstream source.
type UpstreamConfig struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

type API struct {
	logger       *slog.Logger
	store        *config.Store
	ledger       ledger.Ledger
	eventBus     eventbus.EventBus
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	sources      []protocol.TriggerSource
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	store *config.Store,
	led ledger.Ledger,
	eventBus eventbus.EventBus,
	tracer trace.Tracer,
	upstreamConfig UpstreamConfig,
) (*API, error) {
	reg := registry.NewRegistry(logger)
	reg.RegisterAction(log_action.NewLogActionFactory())
	reg.RegisterAction(http_request.NewHTTPRequestActionFactory())

	in, err := intake.NewIntake(store, logger)
	if err != nil {
		return nil, err
	}

	resolver := resolve.NewResolver(store)
	sched := scheduler.NewScheduler(store, led, logger)
	eng := engine.NewEngine(store, led, reg, eventBus, logger)
	if tracer != nil {
		eng = eng.WithTracer(tracer)
	}

	orch := orchestrator.New(store, in, resolver, sched, eng, led, logger)

	sources := []protocol.TriggerSource{
		cronsource.NewSource(store, logger),
	}

	if upstreamConfig.Addr != "" {
		sources = append(sources, upstream.NewSource(
			upstreamConfig.Addr,
			upstreamConfig.Password,
			upstreamConfig.DB,
			upstreamConfig.Queue,
			logger,
		))
	}

	return &API{
		logger:       logger,
		store:        store,
		ledger:       led,
		eventBus:     eventBus,
		registry:     reg,
		orchestrator: orch,
		sources:      sources,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.ledger, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Caldera API")
	})

	t := app.Group("/triggers")
	t.Post("/manual", handlers.TriggerManual)
	t.Post("/scm", handlers.TriggerSCM)
	t.Post("/cron", handlers.TriggerCron)
	t.Post("/webhook/:source", handlers.TriggerWebhook)

	r := app.Group("/runs")
	r.Get("/", handlers.ListRuns)
	r.Get("/:id", handlers.GetRun)
	r.Post("/:id/approve", handlers.ApproveRun)
	r.Post("/:id/reject", handlers.RejectRun)
	r.Post("/:id/cancel", handlers.CancelRun)

	app.Get("/health", handlers.HealthCheck)

	return app
}

// Run starts the trigger sources and serves the API until the context is
// cancelled, then drains in-flight runs before returning.
func (a *API) Run(ctx context.Context, port int) error {
	for _, source := range a.sources {
		if err := source.Start(ctx, a.orchestrator.HandleTrigger); err != nil {
			return err
		}
	}

	app := a.App()

	errCh := make(chan error, 1)

	go func() {
		errCh <- app.Listen(":" + strconv.Itoa(port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")

	stopCtx := context.Background()

	for _, source := range a.sources {
		if err := source.Stop(stopCtx); err != nil {
			a.logger.Error("Failed to stop trigger source", "error", err)
		}
	}

	if err := app.Shutdown(); err != nil {
		a.logger.Error("Failed to shut down HTTP server", "error", err)
	}

	a.orchestrator.Wait()

	return nil
}
