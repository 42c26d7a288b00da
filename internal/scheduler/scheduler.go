// Package scheduler acquires radar data and feeds the record store.
//
// Archive acquisition is task-based: RequestRange enumerates the
// archive, enqueues one task per missing scan, and workers download,
// split, and store records. Realtime acquisition is a pull loop over a
// chunk source. Both paths converge on the same idempotent record puts,
// so overlapping requests and duplicate deliveries are harmless.
//
// Key features:
//   - Per-task cancellation; canceling keeps already-stored records
//   - Bounded exponential backoff on transient network failures
//   - Budget enforcement before every write
//   - Fetch latency tracked in a quantile sketch
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/cenkalti/backoff/v4"

	"github.com/xtxerr/radarcache/config"
	"github.com/xtxerr/radarcache/internal/cache/store"
	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/eviction"
	"github.com/xtxerr/radarcache/internal/logging"
	"github.com/xtxerr/radarcache/internal/source"
	"github.com/xtxerr/radarcache/internal/vcp"
	"github.com/xtxerr/radarcache/internal/volume"
)

var log = logging.Component("scheduler")

// =============================================================================
// Configuration
// =============================================================================

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent download workers.
	Workers int

	// QueueSize is the task queue capacity.
	QueueSize int

	// RetryMaxAttempts bounds fetch attempts per task.
	RetryMaxAttempts int

	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration

	// FetchTimeout bounds a single volume download.
	FetchTimeout time.Duration

	// EventBufferSize is the event channel capacity.
	EventBufferSize int

	// HistoryLimit is how many terminal tasks are kept for display.
	HistoryLimit int
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:              config.DefaultSchedulerWorkers,
		QueueSize:            config.DefaultSchedulerQueueSize,
		RetryMaxAttempts:     config.DefaultRetryMaxAttempts,
		RetryInitialInterval: config.DefaultRetryInitialInterval,
		RetryMaxInterval:     config.DefaultRetryMaxInterval,
		FetchTimeout:         config.DefaultFetchTimeout,
		EventBufferSize:      config.DefaultEventBufferSize,
		HistoryLimit:         config.DefaultTaskHistoryLimit,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// taskEntry is a live task with its cancellation hook.
type taskEntry struct {
	task   Task
	cancel context.CancelFunc
}

// Scheduler manages archive and realtime acquisition.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	cfg     *Config
	store   *store.Store
	archive source.ArchiveSource
	decoder volume.Decoder
	evict   *eviction.Manager

	mu      sync.Mutex
	entries map[string]*taskEntry // scan storage key -> live entry
	history []Task                // terminal snapshots, oldest first
	nextID  int64

	jobs     chan string // scan storage keys
	events   chan Event
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Metrics
	recordsStored atomic.Int64
	bytesFetched  atomic.Int64
	eventsDropped atomic.Int64
	activeWorkers atomic.Int32

	sketchMu sync.Mutex
	latency  *ddsketch.DDSketch
}

// New creates a scheduler. The decoder is used only for header probes
// on record 0; it may fail without failing the task.
func New(cfg *Config, s *store.Store, archive source.ArchiveSource, decoder volume.Decoder, evict *eviction.Manager) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	sketch, err := ddsketch.NewDefaultDDSketch(config.DefaultSketchAccuracy)
	if err != nil {
		return nil, errors.Wrap(err, "creating latency sketch")
	}

	return &Scheduler{
		cfg:      cfg,
		store:    s,
		archive:  archive,
		decoder:  decoder,
		evict:    evict,
		entries:  make(map[string]*taskEntry),
		jobs:     make(chan string, cfg.QueueSize),
		events:   make(chan Event, cfg.EventBufferSize),
		shutdown: make(chan struct{}),
		latency:  sketch,
	}, nil
}

// Events returns the event channel. Events are dropped when the
// consumer falls behind; see EventsDropped.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the workers.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	log.Info("scheduler started", "workers", s.cfg.Workers)
}

// Stop cancels every live task and waits for workers to drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")
		close(s.shutdown)

		s.mu.Lock()
		for _, e := range s.entries {
			if e.cancel != nil {
				e.cancel()
			}
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.events)
		log.Info("scheduler stopped")
	})
}

// =============================================================================
// Archive requests
// =============================================================================

// RequestRange enqueues downloads for every archived scan of site in
// rng that is not already cached complete. Live tasks for the same site
// outside the range are canceled first, so scrubbing the timeline
// redirects bandwidth to what is visible. Returns the number of tasks
// enqueued.
func (s *Scheduler) RequestRange(ctx context.Context, site types.SiteID, rng types.TimeRange) (int, error) {
	select {
	case <-s.shutdown:
		return 0, errors.ErrSchedulerStopped
	default:
	}

	s.cancelOutside(site, rng)

	refs, err := s.archive.ListScans(ctx, site, rng)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, ref := range refs {
		meta, err := s.store.GetScanMeta(ref.Key)
		if err != nil {
			return enqueued, err
		}
		if meta.Completeness() == types.CompletenessComplete || meta.DecodeFailed {
			continue
		}
		if s.enqueue(ref) {
			enqueued++
		}
	}

	log.Info("range requested",
		"site", site, "scans", len(refs), "enqueued", enqueued)
	return enqueued, nil
}

// enqueue registers a task and queues it. Returns false when a live
// task for the scan already exists or the queue is full.
func (s *Scheduler) enqueue(ref source.ScanRef) bool {
	key := ref.Key.StorageKey()

	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		s.mu.Unlock()
		return false
	}
	s.nextID++
	now := time.Now()
	entry := &taskEntry{task: Task{
		ID:         s.nextID,
		Scan:       ref.Key,
		FileName:   ref.FileName,
		State:      TaskQueued,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}}
	s.entries[key] = entry
	snapshot := entry.task
	s.mu.Unlock()

	select {
	case s.jobs <- key:
		s.emitTask(snapshot)
		return true
	default:
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		log.Warn("task queue full, scan dropped", "scan", ref.Key)
		return false
	}
}

// CancelRange cancels live tasks for site whose scan start falls in
// rng. Records already stored stay cached. Returns how many tasks were
// canceled.
func (s *Scheduler) CancelRange(site types.SiteID, rng types.TimeRange) int {
	return s.cancelMatching(func(t *Task) bool {
		return t.Scan.Site == site && rng.Contains(t.Scan.ScanStart)
	})
}

// cancelOutside cancels live tasks for site outside rng.
func (s *Scheduler) cancelOutside(site types.SiteID, rng types.TimeRange) int {
	return s.cancelMatching(func(t *Task) bool {
		return t.Scan.Site == site && !rng.Contains(t.Scan.ScanStart)
	})
}

// CancelAll cancels every live task. Used on site change.
func (s *Scheduler) CancelAll() int {
	return s.cancelMatching(func(*Task) bool { return true })
}

func (s *Scheduler) cancelMatching(match func(*Task) bool) int {
	s.mu.Lock()
	var canceled []Task
	for key, e := range s.entries {
		if !match(&e.task) {
			continue
		}
		if e.cancel != nil {
			e.cancel()
		}
		// Queued tasks finish here; active ones finish in the worker
		// when the context fires.
		if e.task.State == TaskQueued {
			e.task.State = TaskCanceled
			e.task.UpdatedAt = time.Now()
			s.retire(key, e)
		}
		canceled = append(canceled, e.task)
	}
	s.mu.Unlock()

	for _, t := range canceled {
		if t.State.Terminal() {
			s.emitTask(t)
		}
	}
	return len(canceled)
}

// retire moves a terminal task into history. Caller holds s.mu.
func (s *Scheduler) retire(key string, e *taskEntry) {
	delete(s.entries, key)
	s.history = append(s.history, e.task)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[len(s.history)-s.cfg.HistoryLimit:]
	}
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case key := <-s.jobs:
			s.runTask(key)
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) runTask(key string) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok || entry.task.State != TaskQueued {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.task.State = TaskActive
	entry.task.UpdatedAt = time.Now()
	task := entry.task
	s.mu.Unlock()
	defer cancel()

	s.activeWorkers.Add(1)
	defer s.activeWorkers.Add(-1)
	s.emitTask(task)

	err := s.execute(ctx, &task)

	s.mu.Lock()
	entry.task = task
	entry.task.UpdatedAt = time.Now()
	switch {
	case err == nil:
		entry.task.State = TaskCompleted
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		entry.task.State = TaskCanceled
	default:
		entry.task.State = TaskFailed
		entry.task.Err = err.Error()
	}
	final := entry.task
	s.retire(key, entry)
	s.mu.Unlock()

	if err != nil && final.State == TaskFailed {
		log.Error("task failed",
			"scan", final.Scan, "attempts", final.Attempts, "error", err)
	}
	s.emitTask(final)
}

// execute downloads, splits, and stores one volume file. The fetch is
// retried with exponential backoff on transient failures; everything
// after the fetch is local and runs once.
func (s *Scheduler) execute(ctx context.Context, task *Task) error {
	ref := source.ScanRef{Key: task.Scan, FileName: task.FileName}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.RetryInitialInterval
	expo.MaxInterval = s.cfg.RetryMaxInterval
	expo.MaxElapsedTime = 0 // attempt count bounds the retries

	attempts := s.cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	var data []byte
	err := backoff.Retry(func() error {
		task.Attempts++
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		started := time.Now()
		fetched, err := s.archive.FetchVolume(fetchCtx, ref)
		if err != nil {
			if !errors.IsRetriable(err) {
				return backoff.Permanent(err)
			}
			log.Warn("fetch failed, will retry",
				"scan", task.Scan, "attempt", task.Attempts, "error", err)
			return err
		}
		s.observeLatency(time.Since(started))
		data = fetched
		return nil
	}, policy)
	if err != nil {
		return err
	}

	task.BytesFetched = int64(len(data))
	s.bytesFetched.Add(int64(len(data)))

	records, err := SplitArchive(data)
	if err != nil {
		return errors.Wrapf(err, "splitting %s", ref.FileName)
	}

	if _, err := s.evict.EnsureCapacity(int64(len(data))); err != nil {
		return err
	}

	expected, recordTime, probeErr := s.probeHeader(records[0])
	if probeErr != nil {
		// A failed probe leaves the count unknown; completeness stays
		// in the partial-no-vcp state.
		log.Debug("header probe failed", "scan", task.Scan, "error", probeErr)
	}

	for id, rec := range records {
		if ctx.Err() != nil {
			// Cancellation keeps what is already stored.
			return ctx.Err()
		}
		recKey := types.RecordKey{Scan: task.Scan, RecordID: uint32(id)}
		res, err := s.store.PutRecord(recKey, rec, recordTime, id == 0 && expected > 0)
		if err != nil {
			return errors.Wrapf(err, "storing record %d", id)
		}
		if id == 0 {
			// The scan's index entry exists only once record 0 is in;
			// metadata writes before that are dropped.
			if err := s.store.SetFileName(task.Scan, ref.FileName); err != nil {
				return err
			}
			if expected > 0 {
				if err := s.store.SetExpectedRecords(task.Scan, expected); err != nil {
					return err
				}
			}
		}
		if res.Inserted {
			task.RecordsStored++
			s.recordsStored.Add(1)
			s.emit(Event{Kind: EventRecordStored, Scan: task.Scan, RecordID: uint32(id)})
		}
	}

	meta, err := s.store.GetScanMeta(task.Scan)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventScanUpdated, Scan: task.Scan, Completeness: meta.Completeness()})
	s.emit(Event{Kind: EventTimelineChanged, Scan: task.Scan})
	return nil
}

// probeHeader extracts the VCP and collection time from record 0 and
// derives the expected record count. Reads only; the store is updated
// once record 0 is stored.
func (s *Scheduler) probeHeader(record0 []byte) (expected int, collected types.UnixMillis, err error) {
	header, err := s.decoder.DecodeHeader(record0)
	if err != nil {
		return 0, 0, err
	}
	expected, ok := vcp.ExpectedRecords(header.VCP)
	if !ok {
		return 0, header.CollectionTime, fmt.Errorf("unrecognized vcp %d", header.VCP)
	}
	return expected, header.CollectionTime, nil
}

// =============================================================================
// Realtime ingestion
// =============================================================================

// RunRealtime pulls chunks from src until ctx is done or the source
// closes. Duplicate and out-of-order chunks are absorbed by the
// idempotent store.
func (s *Scheduler) RunRealtime(ctx context.Context, src source.ChunkSource) error {
	log.Info("realtime ingestion started")
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, errors.ErrStreamClosed) || errors.Is(err, context.Canceled) {
				log.Info("realtime ingestion ended", "reason", err)
				return nil
			}
			return err
		}
		if err := s.ingestChunk(chunk); err != nil {
			if errors.Is(err, errors.ErrQuotaExceeded) {
				log.Warn("chunk dropped", "error", err)
				continue
			}
			return err
		}
	}
}

func (s *Scheduler) ingestChunk(chunk source.Chunk) error {
	scan := types.ScanKey{Site: chunk.Site, ScanStart: chunk.ScanStart}
	key := types.RecordKey{Scan: scan, RecordID: chunk.RecordID}

	if _, err := s.evict.EnsureCapacity(int64(len(chunk.Data))); err != nil {
		return err
	}

	res, err := s.store.PutRecord(key, chunk.Data, chunk.RecordTime, chunk.HasVCP)
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil
	}

	if chunk.HasVCP {
		if expected, ok := vcp.ExpectedRecords(chunk.VCPNumber); ok {
			if err := s.store.SetExpectedRecords(scan, expected); err != nil {
				return err
			}
		}
	}

	s.recordsStored.Add(1)
	s.emit(Event{Kind: EventRecordStored, Scan: scan, RecordID: chunk.RecordID})
	s.emit(Event{Kind: EventScanUpdated, Scan: scan, Completeness: res.Meta.Completeness()})
	s.emit(Event{Kind: EventTimelineChanged, Scan: scan})
	return nil
}

// =============================================================================
// Introspection
// =============================================================================

// QueueState returns snapshots of recent terminal tasks, oldest first,
// followed by live tasks in enqueue order.
func (s *Scheduler) QueueState() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		live = append(live, e.task)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	tasks := make([]Task, 0, len(s.history)+len(live))
	tasks = append(tasks, s.history...)
	return append(tasks, live...)
}

// Stats holds scheduler statistics.
type Stats struct {
	Queued        int
	Active        int
	RecordsStored int64
	BytesFetched  int64
	EventsDropped int64

	// Fetch latency quantiles in seconds. Zero until the first fetch.
	FetchLatencyP50 float64
	FetchLatencyP95 float64
	FetchLatencyP99 float64
}

// Stats returns current statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := 0
	for _, e := range s.entries {
		if e.task.State == TaskQueued {
			queued++
		}
	}
	s.mu.Unlock()

	stats := Stats{
		Queued:        queued,
		Active:        int(s.activeWorkers.Load()),
		RecordsStored: s.recordsStored.Load(),
		BytesFetched:  s.bytesFetched.Load(),
		EventsDropped: s.eventsDropped.Load(),
	}

	s.sketchMu.Lock()
	if s.latency.GetCount() > 0 {
		if v, err := s.latency.GetValueAtQuantile(0.5); err == nil {
			stats.FetchLatencyP50 = v
		}
		if v, err := s.latency.GetValueAtQuantile(0.95); err == nil {
			stats.FetchLatencyP95 = v
		}
		if v, err := s.latency.GetValueAtQuantile(0.99); err == nil {
			stats.FetchLatencyP99 = v
		}
	}
	s.sketchMu.Unlock()

	return stats
}

func (s *Scheduler) observeLatency(d time.Duration) {
	s.sketchMu.Lock()
	if err := s.latency.Add(d.Seconds()); err != nil {
		log.Debug("latency sketch add failed", "error", err)
	}
	s.sketchMu.Unlock()
}

func (s *Scheduler) emitTask(t Task) {
	s.emit(Event{Kind: EventTaskUpdated, Scan: t.Scan, TaskID: t.ID, TaskState: t.State})
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.eventsDropped.Add(1)
	}
}
