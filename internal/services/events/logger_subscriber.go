package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/models"
)

// NewLoggerSubscriber creates an event handler that logs batch and job events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		switch payload := event.Payload.(type) {
		case interfaces.JobEvent:
			logEvent := logger.Debug().
				Str("event_type", string(event.Type)).
				Str("batch_id", payload.BatchID).
				Str("symbol", payload.Key).
				Str("status", payload.Status).
				Int("progress", payload.Progress)
			if payload.Error != "" {
				logEvent = logEvent.Str("error", payload.Error)
			}
			logEvent.Msg("Job event")

		case models.BatchProgress:
			logger.Info().
				Str("batch_id", payload.BatchID).
				Int("completed", payload.Completed).
				Int("failed", payload.Failed).
				Int("total", payload.Total).
				Int("percent", payload.Percent).
				Str("last_symbol", payload.LastKey).
				Msg("Batch progress")

		case *models.MergedResult:
			logger.Info().
				Str("batch_id", payload.BatchID).
				Int("succeeded", payload.Succeeded).
				Int("requested", payload.Requested).
				Int("calls", len(payload.Calls)).
				Int("puts", len(payload.Puts)).
				Strs("failed_symbols", payload.FailedKeys).
				Msg("Batch completed")

		case models.BatchRecord:
			logEvent := logger.Info().
				Str("event_type", string(event.Type)).
				Str("batch_id", payload.ID).
				Str("status", string(payload.Status)).
				Strs("symbols", payload.Keys)
			if payload.Error != "" {
				logEvent = logEvent.Str("error", payload.Error)
			}
			logEvent.Msg("Batch event")

		default:
			logger.Debug().
				Str("event_type", string(event.Type)).
				Msg("Event published")
		}

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range interfaces.AllEventTypes {
		if _, err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
