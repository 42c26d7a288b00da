// Package engine ties the record store, volume assembly, acquisition,
// and eviction together behind one facade.
package engine

import (
	"context"
	"sync"

	"github.com/xtxerr/radarcache/internal/cache/store"
	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/eviction"
	"github.com/xtxerr/radarcache/internal/logging"
	"github.com/xtxerr/radarcache/internal/scheduler"
	"github.com/xtxerr/radarcache/internal/source"
	"github.com/xtxerr/radarcache/internal/volume"
)

var log = logging.Component("engine")

// Engine is the radar data workbench core: a persistent record cache
// fed by archive and realtime acquisition, with in-memory volume
// assembly on top.
type Engine struct {
	cfg *Config

	store     *store.Store
	ring      *volume.Ring
	assembler *volume.Assembler
	evict     *eviction.Manager
	sched     *scheduler.Scheduler

	mu   sync.Mutex
	site types.SiteID

	realtimeCancel context.CancelFunc
	realtimeDone   chan struct{}
}

// New assembles an engine from its parts. The archive source and
// decoder are injected so tests and alternative backends can swap them.
func New(cfg *Config, archive source.ArchiveSource, decoder volume.Decoder) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine config")
	}

	s, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	ring := volume.NewRing(cfg.Ring.Capacity)
	assembler := volume.NewAssembler(s, decoder, ring)

	evict := eviction.New(s, cfg.CacheBudgetBytes, cfg.EvictTargetRatio)
	evict.Protect = func(scan types.ScanKey) bool {
		return ring.Get(scan) != nil
	}

	schedCfg := &scheduler.Config{
		Workers:              cfg.Scheduler.Workers,
		QueueSize:            cfg.Scheduler.QueueSize,
		RetryMaxAttempts:     cfg.Scheduler.RetryMaxAttempts,
		RetryInitialInterval: cfg.Scheduler.RetryInitialInterval,
		RetryMaxInterval:     cfg.Scheduler.RetryMaxInterval,
		FetchTimeout:         cfg.Scheduler.FetchTimeout,
		EventBufferSize:      cfg.Scheduler.EventBufferSize,
		HistoryLimit:         scheduler.DefaultConfig().HistoryLimit,
	}
	sched, err := scheduler.New(schedCfg, s, archive, decoder, evict)
	if err != nil {
		s.Close()
		return nil, err
	}
	sched.Start()

	e := &Engine{
		cfg:       cfg,
		store:     s,
		ring:      ring,
		assembler: assembler,
		evict:     evict,
		sched:     sched,
		site:      types.SiteID(cfg.Site),
	}
	log.Info("engine started", "data_dir", cfg.DataDir, "site", cfg.Site)
	return e, nil
}

// Close stops acquisition and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.realtimeCancel != nil {
		e.realtimeCancel()
	}
	done := e.realtimeDone
	e.mu.Unlock()

	// Realtime ingestion must finish before the scheduler's event
	// channel closes.
	if done != nil {
		<-done
	}
	e.sched.Stop()
	return e.store.Close()
}

// =============================================================================
// Site
// =============================================================================

// Site returns the current site.
func (e *Engine) Site() types.SiteID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.site
}

// SetSite switches the active site. Live tasks are canceled and the
// volume ring is cleared; cached records for the old site stay on disk
// and remain queryable.
func (e *Engine) SetSite(site types.SiteID) {
	e.mu.Lock()
	if e.site == site {
		e.mu.Unlock()
		return
	}
	old := e.site
	e.site = site
	e.mu.Unlock()

	e.sched.CancelAll()
	e.ring.Clear()
	log.Info("site changed", "from", old, "to", site)
}

// =============================================================================
// Queries
// =============================================================================

// QueryTimelineRange returns the index entries of cached scans for the
// current site within rng.
func (e *Engine) QueryTimelineRange(rng types.TimeRange) ([]types.ScanMeta, error) {
	return e.store.QueryScanRange(e.Site(), rng)
}

// AvailabilityRanges returns the merged availability ranges for the
// current site within rng.
func (e *Engine) AvailabilityRanges(rng types.TimeRange) ([]types.TimeRange, error) {
	return e.store.AvailabilityRanges(e.Site(), rng, e.cfg.Timeline.AvailabilityGapMs)
}

// GetVolume assembles (or returns the resident) volume for a scan start
// at the current site.
func (e *Engine) GetVolume(scanStart types.UnixMillis) (*volume.Volume, error) {
	scan := types.ScanKey{Site: e.Site(), ScanStart: scanStart}
	return e.assembler.Assemble(scan)
}

// =============================================================================
// Acquisition
// =============================================================================

// RequestRange enqueues archive downloads for the current site.
func (e *Engine) RequestRange(ctx context.Context, rng types.TimeRange) (int, error) {
	return e.sched.RequestRange(ctx, e.Site(), rng)
}

// CancelRange cancels live tasks for the current site within rng.
// Already-stored records stay cached.
func (e *Engine) CancelRange(rng types.TimeRange) int {
	return e.sched.CancelRange(e.Site(), rng)
}

// StreamRealtime starts realtime ingestion from src. Only one stream
// runs at a time; starting a second returns an error.
func (e *Engine) StreamRealtime(src source.ChunkSource) error {
	e.mu.Lock()
	if e.realtimeCancel != nil {
		e.mu.Unlock()
		return errors.Wrap(errors.ErrAlreadyExists, "realtime stream")
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.realtimeCancel = cancel
	e.realtimeDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := e.sched.RunRealtime(ctx, src); err != nil {
			log.Error("realtime ingestion failed", "error", err)
		}
		e.mu.Lock()
		e.realtimeCancel = nil
		e.realtimeDone = nil
		e.mu.Unlock()
	}()
	return nil
}

// StopRealtime cancels the running realtime stream, if any.
func (e *Engine) StopRealtime() {
	e.mu.Lock()
	cancel := e.realtimeCancel
	done := e.realtimeDone
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// =============================================================================
// Introspection
// =============================================================================

// Events returns the engine event channel.
func (e *Engine) Events() <-chan scheduler.Event {
	return e.sched.Events()
}

// QueueState returns task snapshots.
func (e *Engine) QueueState() []scheduler.Task {
	return e.sched.QueueState()
}

// Evict runs an eviction pass regardless of current usage pressure.
func (e *Engine) Evict() (eviction.Result, error) {
	return e.evict.Check()
}

// ClearCache drops every cached record and empties the ring. Live
// tasks are canceled first.
func (e *Engine) ClearCache() error {
	e.sched.CancelAll()
	e.ring.Clear()
	return e.store.Clear()
}

// Stats aggregates statistics from every component.
type Stats struct {
	Site       types.SiteID
	TotalBytes int64
	Budget     int64
	ScanCount  int
	RingScans  []types.ScanKey
	Scheduler  scheduler.Stats
	Eviction   eviction.Stats
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() (Stats, error) {
	total, err := e.store.TotalSize()
	if err != nil {
		return Stats{}, err
	}
	count, err := e.store.ScanCount()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Site:       e.Site(),
		TotalBytes: total,
		Budget:     e.evict.Budget(),
		ScanCount:  count,
		RingScans:  e.ring.Keys(),
		Scheduler:  e.sched.Stats(),
		Eviction:   e.evict.Stats(),
	}, nil
}
