package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/cmd"
	"github.com/gateflow/gateflow/pkg/log"
)

const defaultPort = 9091

func main() {
	command := &cli.Command{
		Name:                  "gateflow-api",
		Usage:                 "Register workflow definitions and manage runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Name:    "namespaces-config",
				Usage:   "Optional YAML file provisioning tenant namespaces at startup",
				Value:   "",
				Sources: cli.EnvVars("NAMESPACES_CONFIG"),
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

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing Gateflow API")

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

			eventBus := cmd.NewEventBus(command.String("event-bus"), "gateflow-api", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			capacity, err := cmd.NewCapacityManager(command.String("cache-url"), persistence)
			if err != nil {
				return err
			}

			approvals := approval.NewManager(persistence.Approvals(), eventBus, logger)
			defer approvals.Stop()

			if path := command.String("namespaces-config"); path != "" {
				err = provisionNamespaces(ctx, persistence, path)
				if err != nil {
					return err
				}
			}

			api := NewAPI(logger, persistence, registry, capacity, approvals, eventBus)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
