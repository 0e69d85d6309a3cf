package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"streetview-harvest/internal/config"
	"streetview-harvest/internal/ledger"
	"streetview-harvest/internal/logging"
	"streetview-harvest/internal/metrics"
	"streetview-harvest/internal/pipeline"
	"streetview-harvest/internal/points"
	"streetview-harvest/internal/stitch"
	"streetview-harvest/internal/streetview"
	"streetview-harvest/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	var (
		flagCSV         string
		flagSaveDir     string
		flagRetryFailed bool
		flagWorkers     int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Download and stitch panoramas for every point in the CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(flagSettings)
			if err != nil {
				return err
			}
			if flagCSV != "" {
				settings.CSVPath = flagCSV
			}
			if flagSaveDir != "" {
				settings.SaveDir = flagSaveDir
			}
			if cmd.Flags().Changed("retry-failed") {
				settings.RetryFailedPoints = flagRetryFailed
			}
			if cmd.Flags().Changed("workers") {
				settings.MaxPointWorkers = flagWorkers
			}
			if err := settings.Validate(); err != nil {
				return fmt.Errorf("invalid settings: %w", err)
			}

			return runHarvest(cmd.Context(), settings)
		},
	}

	cmd.Flags().StringVar(&flagCSV, "csv", "", "points CSV path (overrides settings)")
	cmd.Flags().StringVar(&flagSaveDir, "save-dir", "", "output directory (overrides settings)")
	cmd.Flags().BoolVar(&flagRetryFailed, "retry-failed", false, "re-process points whose last outcome was a failure")
	cmd.Flags().IntVar(&flagWorkers, "workers", 0, "concurrent point workers (overrides settings)")

	return cmd
}

func runHarvest(ctx context.Context, settings *config.Settings) error {
	if settings.DetailedLogPath != "" {
		closer, err := logging.Setup(logging.Config{
			Level:    flagLogLevel,
			Pretty:   flagPretty,
			FilePath: settings.DetailedLogPath,
		})
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	format, err := stitch.ParseFormat(settings.OutputFormat)
	if err != nil {
		return err
	}

	grid := streetview.TileGrid{
		Zoom:     settings.Zoom,
		TileSize: settings.TileSize,
		Cols:     settings.TileCols,
		Rows:     settings.TileRows,
	}
	if err := grid.Validate(); err != nil {
		return fmt.Errorf("invalid tile grid: %w", err)
	}

	apiKey, err := settings.LoadAPIKey()
	if err != nil {
		return err
	}

	pts, err := points.LoadCSV(settings.CSVPath)
	if err != nil {
		return err
	}
	log.Info().
		Int("points", len(pts)).
		Int("zoom", grid.Zoom).
		Int("width", grid.Width()).
		Int("height", grid.Height()).
		Msg("Loaded points")

	if settings.MetricsAddr != "" {
		metrics.Serve(settings.MetricsAddr)
	}

	var tel *telemetry.Client
	if settings.TelemetryEnabled {
		key := settings.TelemetryKey
		if key == "" {
			key = os.Getenv("POSTHOG_API_KEY")
		}
		tel = telemetry.New(key, "")
		defer tel.Close()
	}

	client := streetview.NewClient(streetview.Config{
		APIKey:       apiKey,
		Radius:       settings.SearchRadius,
		AuthStatuses: settings.AuthStatuses,
	})
	sessions := streetview.NewSessions(client)

	progressLedger, err := ledger.OpenFileLedger(settings.SuccessLogPath, settings.FailLogPath)
	if err != nil {
		return err
	}
	defer progressLedger.Close()

	pipe, err := pipeline.New(pipeline.Config{
		Resolver:           client,
		Fetcher:            client,
		Sessions:           sessions,
		Ledger:             progressLedger,
		Grid:               grid,
		SaveDir:            settings.SaveDir,
		Format:             format,
		Sleep:              time.Duration(settings.SleeptimeMS) * time.Millisecond,
		MinTileSuccessRate: settings.MinTileSuccessRate,
		RetryFailed:        settings.RetryFailedPoints,
	})
	if err != nil {
		return err
	}

	scheduler, err := pipeline.NewScheduler(pipeline.SchedulerConfig{
		Processor:   pipe,
		Ledger:      progressLedger,
		SaveDir:     settings.SaveDir,
		BatchSize:   settings.BatchSize,
		NumBatches:  settings.NumBatches,
		MaxWorkers:  settings.MaxPointWorkers,
		RetryFailed: settings.RetryFailedPoints,
	})
	if err != nil {
		return err
	}
	scheduler.OnBatchDone = func(res pipeline.BatchResult) {
		tel.Track("batch_completed", map[string]interface{}{
			"batch":    res.Number,
			"outcomes": len(res.Outcomes),
		})
	}

	tel.Track("run_started", map[string]interface{}{
		"points":  len(pts),
		"workers": settings.MaxPointWorkers,
	})

	start := time.Now()
	result, runErr := scheduler.Run(ctx, pts)
	if result != nil {
		log.Info().
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("skipped", result.Skipped).
			Int("batches", len(result.Batches)).
			Dur("elapsed", time.Since(start)).
			Msg("Run finished")
		tel.Track("run_completed", map[string]interface{}{
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"skipped":   result.Skipped,
		})
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Warn().Msg("Run cancelled, progress preserved")
			return nil
		}
		return runErr
	}
	return nil
}
