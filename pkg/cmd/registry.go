package cmd

import (
	"log/slog"

	"github.com/gateflow/gateflow/pkg/registry"
)

// NewRegistry builds the registry with the native executors and agents.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	return registry.NewDefaultRegistry(logger)
}
