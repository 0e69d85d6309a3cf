package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"streetview-harvest/internal/ledger"
	"streetview-harvest/internal/points"
	"streetview-harvest/internal/stitch"
	"streetview-harvest/internal/streetview"
)

const testTileSize = 4

func testGrid() streetview.TileGrid {
	return streetview.TileGrid{Zoom: 1, TileSize: testTileSize, Cols: 2, Rows: 1}
}

func testTile(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	return img
}

// fakeSessions hands out counted session tokens and tracks invalidations.
type fakeSessions struct {
	mu          sync.Mutex
	acquires    int
	invalidates int
	acquireErr  error
	current     *streetview.Session
}

func (f *fakeSessions) Acquire(ctx context.Context) (*streetview.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if f.current == nil {
		f.acquires++
		f.current = &streetview.Session{Token: fmt.Sprintf("tok-%d", f.acquires), CreatedAt: time.Now()}
	}
	return f.current, nil
}

func (f *fakeSessions) Invalidate(s *streetview.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == s {
		f.invalidates++
		f.current = nil
	}
}

// fakeResolver returns a fixed panorama ID or a scripted error sequence.
type fakeResolver struct {
	mu     sync.Mutex
	panoID string
	errs   []error // consumed one per call, nil entries succeed
	calls  int
}

func (f *fakeResolver) ResolvePanoID(ctx context.Context, session *streetview.Session, lat, lng float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return f.panoID, nil
}

// fakeFetcher serves solid tiles, with optional per-cell scripted failures.
type fakeFetcher struct {
	mu    sync.Mutex
	errs  map[string][]error // keyed "col,row", consumed one per call
	calls []time.Time
}

func (f *fakeFetcher) FetchTile(ctx context.Context, session *streetview.Session, panoID string, grid streetview.TileGrid, col, row int) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	key := fmt.Sprintf("%d,%d", col, row)
	if queue := f.errs[key]; len(queue) > 0 {
		err := queue[0]
		f.errs[key] = queue[1:]
		if err != nil {
			return nil, err
		}
	}
	return testTile(grid.TileSize), nil
}

func newTestPipeline(t *testing.T, mutate func(*Config)) (*Pipeline, *ledger.MemoryLedger, string) {
	t.Helper()
	dir := t.TempDir()
	mem := ledger.NewMemoryLedger()
	cfg := Config{
		Resolver: &fakeResolver{panoID: "pano-1"},
		Fetcher:  &fakeFetcher{},
		Sessions: &fakeSessions{},
		Ledger:   mem,
		Grid:     testGrid(),
		SaveDir:  dir,
		Format:   stitch.FormatPNG,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, mem, dir
}

func TestProcessSuccess(t *testing.T) {
	p, mem, dir := newTestPipeline(t, nil)
	statuses := NewStatusSet(nil)

	rec, err := p.Process(context.Background(), points.Point{ID: "001", Lat: 1, Lng: 2}, statuses)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec == nil || rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want success", rec)
	}
	if rec.PanoID != "pano-1" {
		t.Errorf("PanoID = %q, want pano-1", rec.PanoID)
	}

	wantPath := filepath.Join(dir, "001_pano-1.png")
	if rec.Path != wantPath {
		t.Errorf("Path = %q, want %q", rec.Path, wantPath)
	}
	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatalf("stitched image missing: %v", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("stitched image undecodable: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2*testTileSize || b.Dy() != testTileSize {
		t.Errorf("stitched image is %dx%d, want %dx%d", b.Dx(), b.Dy(), 2*testTileSize, testTileSize)
	}

	recs := mem.Records()
	if len(recs) != 1 || recs[0].Status != ledger.StatusSuccess {
		t.Errorf("ledger records = %+v, want one success", recs)
	}
	if status, _ := statuses.Get("001"); status != ledger.StatusSuccess {
		t.Errorf("status = %q, want success", status)
	}
}

func TestProcessSkipsRecordedOutcomes(t *testing.T) {
	resolver := &fakeResolver{panoID: "pano-1"}
	p, mem, _ := newTestPipeline(t, func(cfg *Config) { cfg.Resolver = resolver })

	statuses := NewStatusSet(map[string]ledger.Status{
		"done":   ledger.StatusSuccess,
		"failed": ledger.StatusFailure,
	})

	for _, id := range []string{"done", "failed"} {
		rec, err := p.Process(context.Background(), points.Point{ID: id}, statuses)
		if err != nil || rec != nil {
			t.Errorf("Process(%s) = (%+v, %v), want skip", id, rec, err)
		}
	}
	if resolver.calls != 0 {
		t.Errorf("resolver calls = %d, want 0 for skipped points", resolver.calls)
	}
	if len(mem.Records()) != 0 {
		t.Errorf("ledger gained %d records from skipped points", len(mem.Records()))
	}
}

func TestProcessRetriesFailedPointWhenEnabled(t *testing.T) {
	p, _, _ := newTestPipeline(t, func(cfg *Config) { cfg.RetryFailed = true })
	statuses := NewStatusSet(map[string]ledger.Status{"p1": ledger.StatusFailure})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, statuses)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec == nil || rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want a fresh success", rec)
	}
}

func TestProcessNoPanoramaFound(t *testing.T) {
	resolver := &fakeResolver{errs: []error{
		&streetview.APIError{Op: "resolve_pano", Class: streetview.ErrorClassNotFound, Message: "nothing here"},
	}}
	p, mem, dir := newTestPipeline(t, func(cfg *Config) { cfg.Resolver = resolver })

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec == nil || rec.Status != ledger.StatusFailure {
		t.Fatalf("record = %+v, want failure", rec)
	}
	if rec.Reason != "no panorama found" {
		t.Errorf("Reason = %q, want %q", rec.Reason, "no panorama found")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("save dir has %d entries, want none for a failed point", len(entries))
	}
	if len(mem.Records()) != 1 {
		t.Errorf("ledger records = %d, want 1", len(mem.Records()))
	}
}

func TestProcessSessionFailureRecordsNothing(t *testing.T) {
	sessErr := &streetview.APIError{Op: "create_session", Class: streetview.ErrorClassSession, Message: "bad key"}
	p, mem, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Sessions = &fakeSessions{acquireErr: sessErr}
	})
	statuses := NewStatusSet(nil)

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, statuses)
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}
	if !streetview.IsSession(err) {
		t.Fatalf("Process() error = %v, want session failure", err)
	}
	if len(mem.Records()) != 0 {
		t.Error("session failure must not write an outcome record")
	}
	if _, ok := statuses.Get("p1"); ok {
		t.Error("session failure must leave the point eligible")
	}
}

func TestProcessRetriesTransientTileFailure(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string][]error{
		"0,0": {&streetview.APIError{Op: "fetch_tile", Class: streetview.ErrorClassTile, Message: "flaky"}},
	}}
	p, _, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.Sleep = time.Millisecond
	})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want success after tile retry", rec)
	}
	// 2 cells, with one extra attempt on the flaky one.
	if len(fetcher.calls) != 3 {
		t.Errorf("tile fetches = %d, want 3", len(fetcher.calls))
	}
}

func TestProcessFailsWhenTileExhausted(t *testing.T) {
	tileErr := &streetview.APIError{Op: "fetch_tile", Class: streetview.ErrorClassTile, Message: "broken"}
	fetcher := &fakeFetcher{errs: map[string][]error{
		"0,0": {tileErr, tileErr, tileErr},
	}}
	p, mem, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.Sleep = time.Millisecond
		cfg.TileAttempts = 3
	})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec.Status != ledger.StatusFailure {
		t.Fatalf("record = %+v, want failure", rec)
	}
	if !strings.Contains(rec.Reason, "tile 0,0") {
		t.Errorf("Reason = %q, want tile failure reason", rec.Reason)
	}
	if len(mem.Records()) != 1 {
		t.Errorf("ledger records = %d, want 1", len(mem.Records()))
	}
}

func TestProcessToleratesPartialGrid(t *testing.T) {
	tileErr := &streetview.APIError{Op: "fetch_tile", Class: streetview.ErrorClassTile, Message: "broken"}
	fetcher := &fakeFetcher{errs: map[string][]error{
		"0,0": {tileErr, tileErr, tileErr},
	}}
	p, _, dir := newTestPipeline(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.Sleep = time.Millisecond
		cfg.TileAttempts = 3
		cfg.MinTileSuccessRate = 0.5
	})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want success with partial grid", rec)
	}
	if _, err := os.Stat(filepath.Join(dir, "p1_pano-1.png")); err != nil {
		t.Errorf("stitched image missing: %v", err)
	}
}

func TestProcessRefreshesSessionOnTileAuthFailure(t *testing.T) {
	sessions := &fakeSessions{}
	fetcher := &fakeFetcher{errs: map[string][]error{
		"1,0": {&streetview.APIError{Op: "fetch_tile", Class: streetview.ErrorClassAuth, Message: "token rejected"}},
	}}
	p, _, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Sessions = sessions
		cfg.Fetcher = fetcher
	})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want success after session refresh", rec)
	}
	if sessions.invalidates != 1 {
		t.Errorf("invalidates = %d, want 1", sessions.invalidates)
	}
	if sessions.acquires < 2 {
		t.Errorf("acquires = %d, want at least 2 (initial + refresh)", sessions.acquires)
	}
}

func TestProcessRefreshesSessionOnResolveAuthFailure(t *testing.T) {
	sessions := &fakeSessions{}
	resolver := &fakeResolver{
		panoID: "pano-1",
		errs: []error{
			&streetview.APIError{Op: "resolve_pano", Class: streetview.ErrorClassAuth, Message: "token rejected"},
		},
	}
	p, _, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Sessions = sessions
		cfg.Resolver = resolver
	})

	rec, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rec.Status != ledger.StatusSuccess {
		t.Fatalf("record = %+v, want success after session refresh", rec)
	}
	if resolver.calls != 2 {
		t.Errorf("resolver calls = %d, want 2", resolver.calls)
	}
}

func TestProcessPacesTileRequests(t *testing.T) {
	const sleep = 30 * time.Millisecond
	fetcher := &fakeFetcher{}
	p, _, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.Sleep = sleep
	})

	start := time.Now()
	if _, err := p.Process(context.Background(), points.Point{ID: "p1"}, NewStatusSet(nil)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(fetcher.calls) != 2 {
		t.Fatalf("tile fetches = %d, want 2", len(fetcher.calls))
	}
	// The delay applies before every request, including the first.
	if gap := fetcher.calls[0].Sub(start); gap < sleep {
		t.Errorf("first fetch after %v, want at least %v", gap, sleep)
	}
	if gap := fetcher.calls[1].Sub(fetcher.calls[0]); gap < sleep {
		t.Errorf("inter-fetch gap %v, want at least %v", gap, sleep)
	}
}

func TestProcessCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := &fakeFetcher{}
	p, mem, _ := newTestPipeline(t, func(cfg *Config) {
		cfg.Fetcher = fetcher
		cfg.Sleep = 10 * time.Millisecond
	})

	rec, err := p.Process(ctx, points.Point{ID: "p1"}, NewStatusSet(nil))
	if rec != nil {
		t.Errorf("record = %+v, want nil on cancellation", rec)
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, streetview.ErrContextCancelled) {
		t.Fatalf("Process() error = %v, want cancellation", err)
	}
	if len(mem.Records()) != 0 {
		t.Error("cancellation must not write an outcome record")
	}
}

func TestStatusSetSuccessNeverDowngraded(t *testing.T) {
	s := NewStatusSet(nil)
	s.Set("p1", ledger.StatusSuccess)
	s.Set("p1", ledger.StatusFailure)
	if status, _ := s.Get("p1"); status != ledger.StatusSuccess {
		t.Errorf("status = %q, want success preserved", status)
	}
}
