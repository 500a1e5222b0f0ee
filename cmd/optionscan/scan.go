package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/app"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
	"github.com/ternarybob/optionscan/internal/jobs/orchestrator"
	"github.com/ternarybob/optionscan/internal/models"
	"github.com/ternarybob/optionscan/internal/report"
)

// runScan runs one batch, prints the merged table and returns the process exit code
func runScan(config *common.Config, logger arbor.ILogger, symbols []string, params models.ScanParams) int {
	application, err := app.New(config, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return 1
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if subscriptionID, err := subscribeProgress(application.EventService, logger); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe to batch progress, progress will not be logged")
	} else {
		defer application.EventService.Unsubscribe(interfaces.EventBatchProgress, subscriptionID)
	}

	batch, err := application.Orchestrator.Start(ctx, symbols, params)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start batch")
		return 1
	}

	merged, err := batch.Wait(context.Background())
	opts := report.Options{Limit: *topN, Plain: *plainOutput}

	var total *orchestrator.TotalBatchFailure
	switch {
	case errors.As(err, &total):
		logger.Error().Str("batch_id", total.BatchID).Msg("Every symbol failed")
		report.RenderFailures(os.Stdout, total.Failures, opts)
		return 1
	case errors.Is(err, orchestrator.ErrBatchCancelled):
		logger.Warn().Str("batch_id", batch.ID()).Msg("Batch cancelled")
		return 130
	case err != nil:
		logger.Error().Err(err).Str("batch_id", batch.ID()).Msg("Batch failed")
		return 1
	}

	if err := report.Render(os.Stdout, merged, opts); err != nil {
		logger.Error().Err(err).Msg("Failed to render result")
		return 1
	}
	return 0
}

// subscribeProgress logs every batch_progress event and returns the subscription ID
func subscribeProgress(eventService interfaces.EventService, logger arbor.ILogger) (string, error) {
	return eventService.Subscribe(interfaces.EventBatchProgress, func(_ context.Context, event interfaces.Event) error {
		if progress, ok := event.Payload.(models.BatchProgress); ok {
			logger.Info().
				Str("symbol", progress.LastKey).
				Int("completed", progress.Completed).
				Int("failed", progress.Failed).
				Int("total", progress.Total).
				Int("percent", progress.Percent).
				Msg("Batch progress")
		}
		return nil
	})
}
