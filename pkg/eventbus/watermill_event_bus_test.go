package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateflow/gateflow/pkg/channels/gochannel"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)

	t.Cleanup(func() {
		_ = bus.Close()
	})

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.RunStarted, 1)

	err := bus.Handle(events.RunStartedEvent, func(_ context.Context, event any) error {
		started, ok := event.(*events.RunStarted)
		require.True(t, ok)

		received <- started

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	published := events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent, "run-42"),
		DefinitionID: "def-1",
		Namespace:    "orders",
	}
	require.NoError(t, bus.Publish(t.Context(), "run-42", published))

	select {
	case got := <-received:
		assert.Equal(t, "run-42", got.RunID)
		assert.Equal(t, "def-1", got.DefinitionID)
		assert.Equal(t, "orders", got.Namespace)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_UnhandledTypeIsIgnored(t *testing.T) {
	bus := newTestBus(t)

	resolved := make(chan *events.ApprovalResolved, 1)

	err := bus.Handle(events.ApprovalResolvedEvent, func(_ context.Context, event any) error {
		resolved <- event.(*events.ApprovalResolved)

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Subscribe(t.Context()))

	// No handler registered for this type; it must not block the stream.
	require.NoError(t, bus.Publish(t.Context(), "run-1", events.RunFinished{
		BaseEvent: events.NewBaseEvent(events.RunFinishedEvent, "run-1"),
	}))

	require.NoError(t, bus.Publish(t.Context(), "run-1", events.ApprovalResolved{
		BaseEvent:  events.NewBaseEvent(events.ApprovalResolvedEvent, "run-1"),
		ApprovalID: "apr-1",
	}))

	select {
	case got := <-resolved:
		assert.Equal(t, "apr-1", got.ApprovalID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
