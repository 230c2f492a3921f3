// Package webhook provides the webhook agent invoker: each invocation posts
// the execution context to an external agent endpoint and returns its JSON
// reply.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

const defaultTimeoutSeconds = 60

var (
	// ErrEndpointMissing is returned when the configuration has no endpoint.
	ErrEndpointMissing = errors.New("missing or invalid 'endpoint' in configuration")
	// ErrAgentEndpointFailed is returned when the endpoint answers with a non-2xx status.
	ErrAgentEndpointFailed = errors.New("agent endpoint returned an error status")
)

// Invoker dispatches agent invocations over HTTP. The invocation ID travels
// in the payload and an idempotency header so the endpoint can deduplicate
// redeliveries after a crash.
type Invoker struct {
	Endpoint string
	Timeout  time.Duration
}

func NewInvoker(config map[string]any) (*Invoker, error) {
	endpoint, ok := config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil, ErrEndpointMissing
	}

	timeout := defaultTimeoutSeconds * time.Second
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &Invoker{Endpoint: endpoint, Timeout: timeout}, nil
}

func (i *Invoker) Invoke(
	ctx context.Context,
	invocationID string,
	executionCtx models.ExecutionContext,
	logger *slog.Logger,
) (map[string]any, error) {
	logger = logger.With("agent_type", "webhook", "invocation_id", invocationID)

	payload, err := json.Marshal(map[string]any{
		"invocation_id": invocationID,
		"run_id":        executionCtx.RunID,
		"namespace":     executionCtx.Namespace,
		"input":         executionCtx.Input,
		"variables":     executionCtx.Variables,
		"node_outputs":  executionCtx.NodeOutputs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", invocationID)

	logger.DebugContext(ctx, "Invoking agent endpoint", "endpoint", i.Endpoint)

	client := &http.Client{Timeout: i.Timeout}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent invocation failed: %w", err)
	}

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, ErrAgentEndpointFailed)
	}

	result := map[string]any{}

	if len(raw) > 0 {
		err = json.Unmarshal(raw, &result)
		if err != nil {
			return nil, fmt.Errorf("failed to decode agent response: %w", err)
		}
	}

	return result, nil
}
