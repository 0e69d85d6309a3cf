// Package pipeline orchestrates resolve, fetch, stitch and persist for each
// point and schedules points across batches under a worker bound.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"streetview-harvest/internal/ledger"
	"streetview-harvest/internal/naming"
	"streetview-harvest/internal/points"
	"streetview-harvest/internal/stitch"
	"streetview-harvest/internal/streetview"
)

// DefaultTileAttempts bounds how often a single tile cell is retried before
// the whole point is marked failed.
const DefaultTileAttempts = 3

var pointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvest_points_total",
	Help: "Total points reaching a terminal outcome, by status",
}, []string{"status"})

// Resolver maps a coordinate to a panorama identifier.
type Resolver interface {
	ResolvePanoID(ctx context.Context, session *streetview.Session, lat, lng float64) (string, error)
}

// TileFetcher retrieves one decoded tile of a panorama grid.
type TileFetcher interface {
	FetchTile(ctx context.Context, session *streetview.Session, panoID string, grid streetview.TileGrid, col, row int) (image.Image, error)
}

// StatusSet is the shared skip-set seeded from the ledger at run start and
// extended as points reach terminal outcomes during the run.
type StatusSet struct {
	mu       sync.RWMutex
	statuses map[string]ledger.Status
}

// NewStatusSet wraps a loaded ledger snapshot.
func NewStatusSet(statuses map[string]ledger.Status) *StatusSet {
	if statuses == nil {
		statuses = make(map[string]ledger.Status)
	}
	return &StatusSet{statuses: statuses}
}

// Get returns the recorded status for a point, if any.
func (s *StatusSet) Get(pointID string) (ledger.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[pointID]
	return status, ok
}

// Set records a terminal status. A success is never downgraded.
func (s *StatusSet) Set(pointID string, status ledger.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[pointID] == ledger.StatusSuccess {
		return
	}
	s.statuses[pointID] = status
}

// ShouldSkip reports whether a point already has a terminal outcome that
// gates re-processing: successes always skip, failures skip unless retrying
// failed points is enabled.
func (s *StatusSet) ShouldSkip(pointID string, retryFailed bool) bool {
	status, ok := s.Get(pointID)
	if !ok {
		return false
	}
	if status == ledger.StatusSuccess {
		return true
	}
	return !retryFailed
}

// Config holds the pipeline's collaborators and tuning.
type Config struct {
	Resolver Resolver
	Fetcher  TileFetcher
	Sessions streetview.SessionSource
	Ledger   ledger.Ledger

	Grid    streetview.TileGrid
	SaveDir string
	Format  stitch.Format

	// Sleep is the mandated delay before every tile request. This is a
	// deliberate throttle against the remote rate limit, not incidental
	// latency, and each pipeline paces its own requests independently.
	Sleep time.Duration

	// TileAttempts bounds retries per tile cell (default 3).
	TileAttempts int

	// ResolveAttempts bounds retries of the panorama lookup on transient
	// failures (default 3).
	ResolveAttempts int

	// MinTileSuccessRate is the fraction of tiles that must fetch for the
	// stitched image to be kept. 1.0 means every cell is required and any
	// unrecoverable tile fails the point.
	MinTileSuccessRate float64

	// RetryFailed re-processes points whose last recorded outcome was a
	// failure.
	RetryFailed bool
}

// Pipeline processes one point end to end: resolve the panorama, fetch its
// tile grid under the rate limit, stitch, persist, and record the outcome.
type Pipeline struct {
	cfg Config
}

// New creates a pipeline, applying defaults.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Resolver == nil || cfg.Fetcher == nil || cfg.Sessions == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("resolver, fetcher, sessions and ledger are required")
	}
	if err := cfg.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tile grid: %w", err)
	}
	if cfg.SaveDir == "" {
		return nil, fmt.Errorf("save directory is required")
	}
	if cfg.Format == "" {
		cfg.Format = stitch.FormatJPEG
	}
	if cfg.TileAttempts <= 0 {
		cfg.TileAttempts = DefaultTileAttempts
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = 3
	}
	if cfg.MinTileSuccessRate <= 0 || cfg.MinTileSuccessRate > 1 {
		cfg.MinTileSuccessRate = 1.0
	}
	return &Pipeline{cfg: cfg}, nil
}

// Process runs one point to a terminal outcome. It returns a nil record when
// the point was skipped via the status set. The returned error is non-nil
// only when no work can proceed at all: a failed session acquisition or a
// cancelled context. Every other failure is caught here and converted into a
// Failure record so one bad point cannot abort the batch.
func (p *Pipeline) Process(ctx context.Context, pt points.Point, statuses *StatusSet) (*ledger.OutcomeRecord, error) {
	if statuses.ShouldSkip(pt.ID, p.cfg.RetryFailed) {
		log.Debug().Str("point_id", pt.ID).Msg("Skipping point with recorded outcome")
		return nil, nil
	}

	session, err := p.cfg.Sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	panoID, err := p.resolve(ctx, session, pt)
	if err != nil {
		return p.fail(ctx, pt, statuses, err)
	}

	grid, fetched, err := p.fetchGrid(ctx, session, pt, panoID)
	if err != nil {
		return p.fail(ctx, pt, statuses, err)
	}

	total := p.cfg.Grid.TileCount()
	if fetched == 0 {
		return p.fail(ctx, pt, statuses, fmt.Errorf("all %d tiles missing", total))
	}
	if rate := float64(fetched) / float64(total); rate < p.cfg.MinTileSuccessRate {
		return p.fail(ctx, pt, statuses,
			fmt.Errorf("only %d/%d tiles fetched, below required %.0f%%", fetched, total, p.cfg.MinTileSuccessRate*100))
	}

	img := stitch.Stitch(grid)

	path, err := p.persist(pt, panoID, img)
	if err != nil {
		return p.fail(ctx, pt, statuses, err)
	}

	rec := ledger.OutcomeRecord{
		PointID:   pt.ID,
		Status:    ledger.StatusSuccess,
		PanoID:    panoID,
		Path:      path,
		Timestamp: time.Now(),
	}
	if err := p.cfg.Ledger.Append(rec); err != nil {
		// The image is on disk but the ledger write failed; without a ledger
		// entry the point is not durably done, so report it as a failure.
		return p.fail(ctx, pt, statuses, fmt.Errorf("ledger write failed: %v", err))
	}
	statuses.Set(pt.ID, ledger.StatusSuccess)
	pointsTotal.WithLabelValues(string(ledger.StatusSuccess)).Inc()

	log.Info().
		Str("point_id", pt.ID).
		Str("pano_id", panoID).
		Str("file", path).
		Msg("Point completed")
	return &rec, nil
}

// resolve maps the point to a panorama ID, retrying transient failures and
// refreshing the session once on an auth-class failure.
func (p *Pipeline) resolve(ctx context.Context, session *streetview.Session, pt points.Point) (string, error) {
	var panoID string

	attempt := func(s *streetview.Session) error {
		return streetview.Retry(ctx, p.cfg.ResolveAttempts, p.cfg.Sleep, streetview.IsRetryable, func() error {
			id, err := p.cfg.Resolver.ResolvePanoID(ctx, s, pt.Lat, pt.Lng)
			if err != nil {
				return err
			}
			panoID = id
			return nil
		})
	}

	err := attempt(session)
	if streetview.IsAuth(err) {
		p.cfg.Sessions.Invalidate(session)
		fresh, acqErr := p.cfg.Sessions.Acquire(ctx)
		if acqErr != nil {
			return "", acqErr
		}
		err = attempt(fresh)
		if streetview.IsAuth(err) {
			return "", fmt.Errorf("session expired - retry exhausted: %v", err)
		}
	}
	if err != nil {
		if streetview.IsNotFound(err) {
			return "", fmt.Errorf("no panorama found")
		}
		return "", fmt.Errorf("panorama lookup failed: %v", err)
	}
	return panoID, nil
}

// fetchGrid retrieves the full tile grid sequentially, pacing each request by
// the configured delay. Returns the grid and the number of fetched cells.
func (p *Pipeline) fetchGrid(ctx context.Context, session *streetview.Session, pt points.Point, panoID string) (*stitch.Grid, int, error) {
	spec := p.cfg.Grid
	grid := stitch.NewGrid(spec)
	fetched := 0

	for col := 0; col < spec.Cols; col++ {
		for row := 0; row < spec.Rows; row++ {
			tile, err := p.fetchTile(ctx, &session, panoID, col, row)
			if err != nil {
				if ctx.Err() != nil {
					return nil, 0, ctx.Err()
				}
				if errors.Is(err, errSessionGone) {
					return nil, 0, err
				}
				if p.cfg.MinTileSuccessRate < 1 {
					log.Warn().
						Str("point_id", pt.ID).
						Int("col", col).Int("row", row).
						Err(err).
						Msg("Tile unrecoverable, continuing with partial grid")
					continue
				}
				return nil, 0, fmt.Errorf("tile %d,%d failed after %d attempts: %v", col, row, p.cfg.TileAttempts, err)
			}
			if err := grid.Set(col, row, tile); err != nil {
				// Dimension mismatch against the grid spec is misconfiguration,
				// permanent for this run.
				return nil, 0, err
			}
			fetched++
		}
	}

	return grid, fetched, nil
}

// errSessionGone wraps a session acquisition failure during tile fetching so
// Process can propagate it instead of recording a point failure.
var errSessionGone = errors.New("session acquisition failed")

// fetchTile fetches one cell with bounded attempts, waiting the mandated
// delay before every request. An auth failure refreshes the shared session
// and retries against it; the session pointer is updated in place so later
// cells use the fresh token.
func (p *Pipeline) fetchTile(ctx context.Context, session **streetview.Session, panoID string, col, row int) (image.Image, error) {
	var tile image.Image

	err := streetview.Retry(ctx, p.cfg.TileAttempts, p.cfg.Sleep, streetview.IsRetryable, func() error {
		if err := p.pace(ctx); err != nil {
			return err
		}
		img, err := p.cfg.Fetcher.FetchTile(ctx, *session, panoID, p.cfg.Grid, col, row)
		if err != nil {
			if streetview.IsAuth(err) {
				p.cfg.Sessions.Invalidate(*session)
				fresh, acqErr := p.cfg.Sessions.Acquire(ctx)
				if acqErr != nil {
					return fmt.Errorf("%w: %v", errSessionGone, acqErr)
				}
				*session = fresh
				img, err = p.cfg.Fetcher.FetchTile(ctx, fresh, panoID, p.cfg.Grid, col, row)
				if err != nil {
					return err
				}
				tile = img
				return nil
			}
			return err
		}
		tile = img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tile, nil
}

// pace waits the configured inter-request delay, honoring cancellation.
func (p *Pipeline) pace(ctx context.Context) error {
	if p.cfg.Sleep <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.Sleep):
		return nil
	}
}

// persist writes the stitched image to the save directory under its
// deterministic name.
func (p *Pipeline) persist(pt points.Point, panoID string, img image.Image) (string, error) {
	if err := os.MkdirAll(p.cfg.SaveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create save directory: %v", err)
	}

	filename := naming.StitchedImageFilename(pt.ID, panoID, p.cfg.Format.Ext())
	path := filepath.Join(p.cfg.SaveDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %v", err)
	}
	if err := stitch.Encode(f, img, p.cfg.Format); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode output image: %v", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close output file: %v", err)
	}

	return path, nil
}

// fail converts an error into a Failure record, appends it to the ledger and
// marks the point terminal. Cancellation is not a point failure: the point
// stays eligible for the next run.
func (p *Pipeline) fail(ctx context.Context, pt points.Point, statuses *StatusSet, cause error) (*ledger.OutcomeRecord, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(cause, errSessionGone) {
		return nil, cause
	}

	rec := ledger.OutcomeRecord{
		PointID:   pt.ID,
		Status:    ledger.StatusFailure,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	}
	if err := p.cfg.Ledger.Append(rec); err != nil {
		log.Error().Str("point_id", pt.ID).Err(err).Msg("Failed to record point failure")
	}
	statuses.Set(pt.ID, ledger.StatusFailure)
	pointsTotal.WithLabelValues(string(ledger.StatusFailure)).Inc()

	log.Warn().
		Str("point_id", pt.ID).
		Str("reason", rec.Reason).
		Msg("Point failed")
	return &rec, nil
}
