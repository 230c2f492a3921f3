package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/gateflow/gateflow/pkg/agent"
	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/cmd"
	"github.com/gateflow/gateflow/pkg/log"
	"github.com/gateflow/gateflow/pkg/otelhelper"
	"github.com/gateflow/gateflow/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "gateflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Start a worker to execute workflow runs",
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
				Usage:    "Database connection URL for the state store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "cache-url",
				Usage:   "Redis URL for cross-worker namespace capacity counts",
				Value:   "",
				Sources: cli.EnvVars("CACHE_URL"),
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

			logger := log.WithModule("gateflow-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing Gateflow Worker")

			registry := cmd.NewRegistry(logger)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "gateflow-worker", logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			capacity, err := cmd.NewCapacityManager(command.String("cache-url"), persistence)
			if err != nil {
				return err
			}

			tracer, err := otelhelper.NewTracer(ctx, "gateflow-worker")
			if err != nil {
				return err
			}

			approvals := approval.NewManager(persistence.Approvals(), eventBus, logger)
			agents := agent.NewAdapter(registry, logger)

			engine := scheduler.NewEngine(
				persistence,
				registry,
				agents,
				approvals,
				capacity,
				eventBus,
				logger,
				tracer,
			)

			worker := NewWorker(workerID, persistence, eventBus, engine, approvals, capacity, logger)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
