package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"streetview-harvest/internal/ledger"
	"streetview-harvest/internal/naming"
	"streetview-harvest/internal/points"
)

// Processor runs one point to a terminal outcome. Implemented by *Pipeline.
type Processor interface {
	Process(ctx context.Context, pt points.Point, statuses *StatusSet) (*ledger.OutcomeRecord, error)
}

// BatchResult collects the outcomes of one batch in dispatch order.
type BatchResult struct {
	Number   int // 1-based within the run
	Outcomes []ledger.OutcomeRecord
}

// RunResult summarizes a whole scheduler run.
type RunResult struct {
	Batches   []BatchResult
	Skipped   int // points excluded up front via the ledger
	Succeeded int
	Failed    int
}

// Scheduler partitions points into sequential batches and dispatches point
// pipelines concurrently within each batch, bounded by a worker limit.
// Batches are barriers: the next one starts only after every point of the
// previous one reached a terminal outcome.
type Scheduler struct {
	processor   Processor
	ledger      ledger.Ledger
	saveDir     string
	batchSize   int
	numBatches  int
	maxWorkers  int
	retryFailed bool

	// OnBatchDone, if set, is called after each batch's summary is written.
	OnBatchDone func(res BatchResult)
}

// SchedulerConfig holds scheduler construction parameters.
type SchedulerConfig struct {
	Processor   Processor
	Ledger      ledger.Ledger
	SaveDir     string
	BatchSize   int
	NumBatches  int
	MaxWorkers  int
	RetryFailed bool
}

// NewScheduler creates a scheduler, applying defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Processor == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("processor and ledger are required")
	}
	if cfg.SaveDir == "" {
		return nil, fmt.Errorf("save directory is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", cfg.BatchSize)
	}
	if cfg.NumBatches < 1 {
		return nil, fmt.Errorf("batch count must be at least 1, got %d", cfg.NumBatches)
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}

	return &Scheduler{
		processor:   cfg.Processor,
		ledger:      cfg.Ledger,
		saveDir:     cfg.SaveDir,
		batchSize:   cfg.BatchSize,
		numBatches:  cfg.NumBatches,
		maxWorkers:  cfg.MaxWorkers,
		retryFailed: cfg.RetryFailed,
	}, nil
}

// Run processes up to numBatches batches of eligible points. It stops early
// when the points are exhausted, when the context is cancelled between
// points, or when a session acquisition fails; outcomes already recorded are
// preserved in all three cases.
func (s *Scheduler) Run(ctx context.Context, pts []points.Point) (*RunResult, error) {
	loaded, err := s.ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load progress ledger: %w", err)
	}
	statuses := NewStatusSet(loaded)

	eligible := make([]points.Point, 0, len(pts))
	for _, pt := range pts {
		if statuses.ShouldSkip(pt.ID, s.retryFailed) {
			continue
		}
		eligible = append(eligible, pt)
	}

	result := &RunResult{Skipped: len(pts) - len(eligible)}
	log.Info().
		Int("total", len(pts)).
		Int("eligible", len(eligible)).
		Int("skipped", result.Skipped).
		Msg("Starting batch run")

	var runErr error
	for batchNum := 1; batchNum <= s.numBatches && runErr == nil; batchNum++ {
		if len(eligible) == 0 {
			log.Info().Msg("All eligible points processed")
			break
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}

		size := s.batchSize
		if size > len(eligible) {
			size = len(eligible)
		}
		batch := eligible[:size]
		eligible = eligible[size:]

		log.Info().
			Int("batch", batchNum).
			Int("points", len(batch)).
			Msg("Batch running")

		res, err := s.runBatch(ctx, batchNum, batch, statuses)
		if err != nil {
			runErr = err
		}

		for _, rec := range res.Outcomes {
			switch rec.Status {
			case ledger.StatusSuccess:
				result.Succeeded++
			case ledger.StatusFailure:
				result.Failed++
			}
		}
		result.Batches = append(result.Batches, res)

		if err := s.writeBatchSummary(res); err != nil {
			log.Error().Int("batch", batchNum).Err(err).Msg("Failed to write batch summary")
		}
		if s.OnBatchDone != nil {
			s.OnBatchDone(res)
		}

		log.Info().
			Int("batch", batchNum).
			Int("outcomes", len(res.Outcomes)).
			Msg("Batch completed")
	}

	return result, runErr
}

// runBatch dispatches one batch under the worker bound and joins before
// returning. Points within the batch complete in no particular order; the
// summary preserves dispatch order.
func (s *Scheduler) runBatch(ctx context.Context, batchNum int, batch []points.Point, statuses *StatusSet) (BatchResult, error) {
	sem := semaphore.NewWeighted(int64(s.maxWorkers))
	var wg sync.WaitGroup

	var mu sync.Mutex
	outcomes := make(map[string]ledger.OutcomeRecord, len(batch))
	var firstErr error

	// Dispatch stops at the first fatal error but in-flight points finish:
	// cancelling mid-point risks partially written files.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()

	for _, pt := range batch {
		if dispatchCtx.Err() != nil {
			break
		}
		if err := sem.Acquire(dispatchCtx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(pt points.Point) {
			defer wg.Done()
			defer sem.Release(1)

			rec, err := s.processor.Process(ctx, pt, statuses)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				stopDispatch()
				return
			}
			if rec != nil {
				outcomes[pt.ID] = *rec
			}
		}(pt)
	}

	wg.Wait()

	res := BatchResult{Number: batchNum}
	for _, pt := range batch {
		if rec, ok := outcomes[pt.ID]; ok {
			res.Outcomes = append(res.Outcomes, rec)
		}
	}

	if firstErr != nil && ctx.Err() == nil {
		log.Error().Err(firstErr).Int("batch", batchNum).Msg("Batch halted")
	}
	return res, firstErr
}

// writeBatchSummary persists one batch's outcomes as a standalone CSV,
// independent of the cumulative ledger.
func (s *Scheduler) writeBatchSummary(res BatchResult) error {
	if err := os.MkdirAll(s.saveDir, 0755); err != nil {
		return fmt.Errorf("failed to create save directory: %w", err)
	}

	path := filepath.Join(s.saveDir, naming.BatchResultFilename(res.Number))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create batch summary: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"ID", "Status", "PanoID", "File", "Reason"}); err != nil {
		return err
	}
	for _, rec := range res.Outcomes {
		file := ""
		if rec.Path != "" {
			file = filepath.Base(rec.Path)
		}
		row := []string{rec.PointID, string(rec.Status), rec.PanoID, file, rec.Reason}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
