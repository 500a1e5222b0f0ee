package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/models"
)

func TestNewLoggerSubscriber(t *testing.T) {
	subscriber := NewLoggerSubscriber(arbor.NewLogger())
	ctx := context.Background()

	events := []interfaces.Event{
		{Type: interfaces.EventJobProgress, Payload: interfaces.JobEvent{BatchID: "b", Key: "AAPL", Status: "running", Progress: 40}},
		{Type: interfaces.EventJobFailed, Payload: interfaces.JobEvent{BatchID: "b", Key: "MSFT", Status: "failed", Error: "no chain"}},
		{Type: interfaces.EventBatchProgress, Payload: models.BatchProgress{BatchID: "b", Completed: 1, Total: 3, Percent: 33}},
		{Type: interfaces.EventBatchCompleted, Payload: &models.MergedResult{BatchID: "b"}},
		{Type: interfaces.EventBatchFailed, Payload: models.BatchRecord{ID: "b", Status: models.BatchStatusFailed, Error: "all failed"}},
		{Type: interfaces.EventBatchStarted, Payload: nil},
	}

	for _, event := range events {
		assert.NoError(t, subscriber(ctx, event), string(event.Type))
	}
}

func TestSubscribeLoggerToAllEvents(t *testing.T) {
	logger := arbor.NewLogger()
	service := NewService(logger)
	defer service.Close()

	require.NoError(t, SubscribeLoggerToAllEvents(service, logger))

	for _, eventType := range interfaces.AllEventTypes {
		handlers, err := service.handlersFor(eventType)
		require.NoError(t, err)
		assert.Len(t, handlers, 1, string(eventType))
	}
}
