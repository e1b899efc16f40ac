package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/caldera-ci/caldera/pkg/cmd"
	"github.com/caldera-ci/caldera/pkg/config"
	"github.com/caldera-ci/caldera/pkg/log"
	"github.com/caldera-ci/caldera/pkg/otelhelper"
	"github.com/caldera-ci/caldera/pkg/sources/upstream"
)

const defaultPort = 9090

func main() {
	logger := log.WithModule("api")

	calderaCmd := &cli.Command{
		Name:                  "caldera",
		Usage:                 "Trigger and execute pipeline runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration document",
				Value:   "./caldera.yaml",
				Sources: cli.EnvVars("CALDERA_CONFIG"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "ledger-url",
				Usage:   "Run ledger URL (file://<dir> or postgres://...)",
				Value:   "file://./data",
				Sources: cli.EnvVars("LEDGER_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "upstream-redis-addr",
				Usage:   "Redis address for upstream-completion events; empty disables the source",
				Sources: cli.EnvVars("UPSTREAM_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "upstream-redis-password",
				Usage:   "Redis password for the upstream source",
				Sources: cli.EnvVars("UPSTREAM_REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "upstream-redis-db",
				Usage:   "Redis database for the upstream source",
				Sources: cli.EnvVars("UPSTREAM_REDIS_DB"),
			},
			&cli.StringFlag{
				Name:    "upstream-queue",
				Usage:   "Redis list upstream jobs push completion events to",
				Value:   upstream.DefaultQueue,
				Sources: cli.EnvVars("UPSTREAM_QUEUE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OTLP trace export for run execution",
				Sources: cli.EnvVars("OTEL_TRACING"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing Caldera API")

			store, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			led := cmd.NewLedger(ctx, logger, command.String("ledger-url"))

			defer func() {
				if err := led.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close ledger", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			var tracer trace.Tracer

			if command.Bool("tracing") {
				tracer, err = otelhelper.NewTracer(ctx, "caldera")
				if err != nil {
					return err
				}
			}

			api, err := NewAPI(logger, store, led, eventBus, tracer, UpstreamConfig{
				Addr:     command.String("upstream-redis-addr"),
				Password: command.String("upstream-redis-password"),
				DB:       command.Int("upstream-redis-db"),
				Queue:    command.String("upstream-queue"),
			})
			if err != nil {
				return err
			}

			return api.Run(ctx, command.Int("port"))
		},
	}

	if err := calderaCmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
