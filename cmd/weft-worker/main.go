package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/weftworks/weft/pkg/cmd"
	"github.com/weftworks/weft/pkg/log"
)

func main() {
	command := &cli.Command{
		Name:                  "weft-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker that executes workflow graphs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "node-id",
				Usage:   "Serve remote-node callables under this node id",
				Value:   "",
				Sources: cli.EnvVars("NODE_ID"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("OTEL_ENABLED"),
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

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("weft-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing worker")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "weft-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			// The callable consumer group must be unique per worker so every
			// node sees all requests and serves only those addressed to it.
			callableBus := cmd.NewCallableBus(command.String("event-bus"), "weft-worker-"+workerID, logger)
			defer func() {
				if err := callableBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close callable bus", "error", err)
				}
			}()

			persist := cmd.NewPersistence(command.String("database-url"))
			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			worker, err := NewWorker(WorkerConfig{
				ID:          workerID,
				NodeID:      command.String("node-id"),
				Tracing:     command.Bool("tracing"),
				Persistence: persist,
				EventBus:    eventBus,
				CallableBus: callableBus,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			return worker.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
