// Package events defines event types and structures for run lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/gateflow/gateflow/pkg/models"
)

type EventType string

// Kafka topic carrying every run lifecycle event.
const Topic = "gateflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunFinishedEvent  EventType = "run.finished"
	RunCancelledEvent EventType = "run.cancelled"

	// Node progress events.
	NodeFinishedEvent EventType = "node.finished"

	// Approval gate events.
	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalResolvedEvent  EventType = "approval.resolved"

	// Definition catalog events.
	DefinitionRegisteredEvent EventType = "definition.registered"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunStarted is published once per run admission; the worker picks it up and
// drives the run forward from there.
type RunStarted struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	Namespace    string `json:"namespace"`
}

func (r RunStarted) GetType() EventType {
	return RunStartedEvent
}

// RunFinished is published exactly once when a run reaches a terminal status.
type RunFinished struct {
	BaseEvent

	Namespace    string           `json:"namespace"`
	Status       models.RunStatus `json:"status"`
	FailedNodeID string           `json:"failed_node_id,omitempty"`
	Error        string           `json:"error,omitempty"`
	Duration     time.Duration    `json:"duration"`
}

func (r RunFinished) GetType() EventType {
	return RunFinishedEvent
}

// RunCancelled requests cooperative cancellation of a running run.
type RunCancelled struct {
	BaseEvent

	Namespace   string `json:"namespace"`
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (r RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

type NodeFinished struct {
	BaseEvent

	NodeID   string            `json:"node_id"`
	Status   models.NodeStatus `json:"status"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
	Duration time.Duration     `json:"duration"`
}

func (n NodeFinished) GetType() EventType {
	return NodeFinishedEvent
}

// ApprovalRequested is published when an approval node suspends its run.
type ApprovalRequested struct {
	BaseEvent

	ApprovalID   string    `json:"approval_id"`
	NodeID       string    `json:"node_id"`
	Namespace    string    `json:"namespace"`
	ApproverRole string    `json:"approver_role"`
	Deadline     time.Time `json:"deadline"`
}

func (a ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

// ApprovalResolved is published by the one winner of the resolution race; the
// worker resumes the suspended run when it arrives.
type ApprovalResolved struct {
	BaseEvent

	ApprovalID string                 `json:"approval_id"`
	NodeID     string                 `json:"node_id"`
	Namespace  string                 `json:"namespace"`
	Outcome    models.ApprovalOutcome `json:"outcome"`
	DecidedBy  string                 `json:"decided_by,omitempty"`
}

func (a ApprovalResolved) GetType() EventType {
	return ApprovalResolvedEvent
}

// DefinitionRegistered announces a new definition version so workers can
// reload cron schedules without polling the catalog.
type DefinitionRegistered struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	GroupID      string `json:"group_id"`
	Version      int    `json:"version"`
	Schedule     string `json:"schedule,omitempty"`
}

func (d DefinitionRegistered) GetType() EventType {
	return DefinitionRegisteredEvent
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Metadata:  make(map[string]any),
	}
}
