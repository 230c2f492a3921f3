package registry

import (
	"log/slog"

	"github.com/gateflow/gateflow/pkg/actions/httprequest"
	logaction "github.com/gateflow/gateflow/pkg/actions/log"
	"github.com/gateflow/gateflow/pkg/actions/transform"
	"github.com/gateflow/gateflow/pkg/agents/webhook"
)

// NewDefaultRegistry returns a registry with the built-in executors and
// agents registered.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	r := NewRegistry(log)

	r.RegisterAction(logaction.NewFactory())
	r.RegisterAction(httprequest.NewFactory())
	r.RegisterAction(transform.NewFactory())

	r.RegisterAgent(webhook.NewFactory())

	return r
}
