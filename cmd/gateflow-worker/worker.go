// Package main provides the Gateflow worker: it consumes run events, drives
// the scheduler, hosts approval deadline timers and sweeps expired runs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/scheduler"
)

type Worker struct {
	id          string
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	engine      *scheduler.Engine
	approvals   *approval.Manager
	capacity    namespace.Manager
	sweeper     *cron.Cron
	logger      *slog.Logger
}

func NewWorker(
	id string,
	p persistence.Persistence,
	eventBus eventbus.EventBus,
	engine *scheduler.Engine,
	approvals *approval.Manager,
	capacity namespace.Manager,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		id:          id,
		persistence: p,
		eventBus:    eventBus,
		engine:      engine,
		approvals:   approvals,
		capacity:    capacity,
		sweeper:     cron.New(),
		logger:      logger,
	}
}

// Start recovers interrupted runs, subscribes to the event bus and blocks
// until a shutdown signal arrives.
func (w *Worker) Start(ctx context.Context) error {
	recovered, err := w.recover(ctx)
	if err != nil {
		return err
	}

	err = w.approvals.RestoreTimers(ctx)
	if err != nil {
		return err
	}

	_ = w.eventBus.Handle(events.RunStartedEvent, w.handleRunStarted)
	_ = w.eventBus.Handle(events.ApprovalResolvedEvent, w.handleApprovalResolved)
	_ = w.eventBus.Handle(events.RunCancelledEvent, w.handleRunCancelled)

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		return err
	}

	// Re-drive the runs that were mid-flight when the previous worker died.
	for _, runID := range recovered {
		go func() {
			err := w.engine.Drive(ctx, runID)
			if err != nil {
				w.logger.ErrorContext(ctx, "Failed to re-drive recovered run", "run_id", runID, "error", err)
			}
		}()
	}

	_, err = w.sweeper.AddFunc("@every 10m", func() {
		w.sweepExpiredRuns(ctx)
	})
	if err != nil {
		return err
	}

	w.sweeper.Start()

	w.logger.InfoContext(ctx, "Worker started", "recovered_runs", len(recovered))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker")

	<-w.sweeper.Stop().Done()
	w.approvals.Stop()

	return nil
}

// recover resets nodes interrupted by a crash and reseeds the namespace
// occupancy counts from the active runs found in the state store.
func (w *Worker) recover(ctx context.Context) ([]string, error) {
	active, err := w.engine.Recover(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	runIDs := make([]string, 0, len(active))

	for _, run := range active {
		counts[run.Namespace]++

		runIDs = append(runIDs, run.ID)
	}

	err = w.capacity.Restore(ctx, counts)
	if err != nil {
		return nil, err
	}

	return runIDs, nil
}

func (w *Worker) handleRunStarted(ctx context.Context, event any) error {
	started, ok := event.(*events.RunStarted)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunStarted")

		return nil
	}

	w.logger.InfoContext(ctx, "Driving started run",
		"run_id", started.RunID, "definition_id", started.DefinitionID, "namespace", started.Namespace)

	return w.engine.Drive(ctx, started.RunID)
}

func (w *Worker) handleApprovalResolved(ctx context.Context, event any) error {
	resolved, ok := event.(*events.ApprovalResolved)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for ApprovalResolved")

		return nil
	}

	w.logger.InfoContext(ctx, "Resuming run after approval resolution",
		"run_id", resolved.RunID, "approval_id", resolved.ApprovalID, "outcome", resolved.Outcome)

	return w.engine.ResumeApproval(ctx, resolved)
}

func (w *Worker) handleRunCancelled(ctx context.Context, event any) error {
	cancelled, ok := event.(*events.RunCancelled)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunCancelled")

		return nil
	}

	w.logger.InfoContext(ctx, "Cancelling run",
		"run_id", cancelled.RunID, "reason", cancelled.Reason)

	err := w.engine.Cancel(ctx, cancelled.RunID, cancelled.Reason)
	if persistence.IsRunAlreadyTerminal(err) {
		// Someone else settled the run first; nothing left to cancel.
		return nil
	}

	return err
}

// sweepExpiredRuns deletes terminal runs older than each namespace's
// configured retention. Namespaces without a retention keep runs forever.
func (w *Worker) sweepExpiredRuns(ctx context.Context) {
	namespaces, err := w.persistence.Namespaces().List(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Retention sweep failed to list namespaces", "error", err)

		return
	}

	for _, ns := range namespaces {
		if ns.Retention <= 0 {
			continue
		}

		cutoff := time.Now().UTC().Add(-ns.Retention)

		deleted, err := w.persistence.Runs().DeleteTerminalRunsBefore(ctx, ns.Name, cutoff)
		if err != nil {
			w.logger.ErrorContext(ctx, "Retention sweep failed", "namespace", ns.Name, "error", err)

			continue
		}

		if deleted > 0 {
			w.logger.InfoContext(ctx, "Retention sweep deleted expired runs",
				"namespace", ns.Name, "deleted", deleted, "cutoff", cutoff)
		}
	}
}
