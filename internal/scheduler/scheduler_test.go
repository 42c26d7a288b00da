package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/radarcache/internal/cache/store"
	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/eviction"
	"github.com/xtxerr/radarcache/internal/source"
	rctesting "github.com/xtxerr/radarcache/internal/testing"
	"github.com/xtxerr/radarcache/internal/volume"
)

// fakeArchive serves canned scans and volume files.
type fakeArchive struct {
	refs    []source.ScanRef
	files   map[string][]byte
	fetches atomic.Int64

	// failuresLeft makes the next N fetches fail with a network error.
	failuresLeft atomic.Int64

	// block, when non-nil, stalls fetches until closed.
	block chan struct{}
}

func (a *fakeArchive) ListScans(ctx context.Context, site types.SiteID, rng types.TimeRange) ([]source.ScanRef, error) {
	var out []source.ScanRef
	for _, ref := range a.refs {
		if ref.Key.Site == site && rng.Contains(ref.Key.ScanStart) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (a *fakeArchive) FetchVolume(ctx context.Context, ref source.ScanRef) ([]byte, error) {
	a.fetches.Add(1)
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.failuresLeft.Load() > 0 {
		a.failuresLeft.Add(-1)
		return nil, errors.NewNetwork("fetch", errors.New("connection reset"))
	}
	data, ok := a.files[ref.FileName]
	if !ok {
		return nil, errors.NewNetwork("fetch", errors.New("no such object"))
	}
	return data, nil
}

type probeDecoder struct{}

// probeCollectionTime is the collection time the fake header carries.
const probeCollectionTime = types.UnixMillis(1700000030000)

func (probeDecoder) DecodeHeader(record0 []byte) (volume.Header, error) {
	return volume.Header{VCP: 35, CollectionTime: probeCollectionTime}, nil
}

func (probeDecoder) Decode(scan types.ScanKey, records [][]byte) (*volume.Volume, error) {
	return &volume.Volume{VCP: 35}, nil
}

type testEnv struct {
	sched   *Scheduler
	store   *store.Store
	archive *fakeArchive
}

func newTestEnv(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	archive := &fakeArchive{files: make(map[string][]byte)}
	evict := eviction.New(s, 1<<20, 0.8)
	if cfg == nil {
		cfg = DefaultConfig()
		cfg.Workers = 2
		cfg.RetryInitialInterval = time.Millisecond
		cfg.RetryMaxInterval = 5 * time.Millisecond
	}
	sched, err := New(cfg, s, archive, probeDecoder{}, evict)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sched.Start()
	t.Cleanup(sched.Stop)

	return &testEnv{sched: sched, store: s, archive: archive}
}

func (e *testEnv) addScan(start types.UnixMillis, blocks int) source.ScanRef {
	key := types.ScanKey{Site: "KDMX", ScanStart: start}
	name := "KDMX_" + key.StorageKey()
	var parts [][]byte
	for i := 0; i < blocks; i++ {
		parts = append(parts, bzBlock("block data"))
	}
	e.archive.files[name] = buildVolumeFile(parts...)
	ref := source.ScanRef{Key: key, FileName: name}
	e.refs(ref)
	return ref
}

func (e *testEnv) refs(ref source.ScanRef) {
	e.archive.refs = append(e.archive.refs, ref)
}

func fullRange() types.TimeRange {
	return types.TimeRange{Start: 0, End: 1 << 62}
}

func TestRequestRangeDownloadsAndStores(t *testing.T) {
	env := newTestEnv(t, nil)
	ref := env.addScan(1700000000000, 3)

	n, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange())
	if err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued %d tasks, want 1", n)
	}

	rctesting.Eventually(t, 2*time.Second, func() bool {
		meta, err := env.store.GetScanMeta(ref.Key)
		return err == nil && len(meta.Present) == 3
	}, "records stored")

	meta, err := env.store.GetScanMeta(ref.Key)
	if err != nil {
		t.Fatalf("GetScanMeta failed: %v", err)
	}
	if meta.FileName != ref.FileName {
		t.Errorf("FileName = %q, want %q", meta.FileName, ref.FileName)
	}
	// The header probe recognized VCP 35: 1 + 3*7 records expected.
	if meta.ExpectedRecords != 22 {
		t.Errorf("ExpectedRecords = %d, want 22", meta.ExpectedRecords)
	}
	if !meta.HasVCP {
		t.Error("HasVCP should be set after the header probe")
	}
	// The header's collection time is carried onto every stored record.
	if meta.FirstTime != probeCollectionTime || meta.LastTime != probeCollectionTime {
		t.Errorf("record times = [%d, %d], want %d", meta.FirstTime, meta.LastTime, probeCollectionTime)
	}
	recs, err := env.store.ListRecordMeta(ref.Key)
	if err != nil {
		t.Fatalf("ListRecordMeta failed: %v", err)
	}
	for _, rm := range recs {
		if rm.RecordTime != probeCollectionTime {
			t.Errorf("record %d RecordTime = %d, want %d", rm.Key.RecordID, rm.RecordTime, probeCollectionTime)
		}
	}
}

func TestRequestRangeSkipsCachedScans(t *testing.T) {
	env := newTestEnv(t, nil)
	// 22 records makes the scan Complete under VCP 35.
	ref := env.addScan(1700000000000, 22)

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}
	rctesting.Eventually(t, 2*time.Second, func() bool {
		meta, _ := env.store.GetScanMeta(ref.Key)
		return meta.Completeness() == types.CompletenessComplete
	}, "scan complete")

	fetches := env.archive.fetches.Load()
	n, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange())
	if err != nil {
		t.Fatalf("second RequestRange failed: %v", err)
	}
	if n != 0 {
		t.Errorf("enqueued %d tasks for a complete scan, want 0", n)
	}
	if env.archive.fetches.Load() != fetches {
		t.Error("complete scan should not be fetched again")
	}
}

func TestRetryExhaustionFailsTask(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addScan(1700000000000, 1)
	env.archive.failuresLeft.Store(100)

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}

	rctesting.Eventually(t, 5*time.Second, func() bool {
		for _, task := range env.sched.QueueState() {
			if task.State == TaskFailed {
				return true
			}
		}
		return false
	}, "task failed after retries")

	var failed Task
	for _, task := range env.sched.QueueState() {
		if task.State == TaskFailed {
			failed = task
		}
	}
	if failed.Attempts != DefaultConfig().RetryMaxAttempts {
		t.Errorf("Attempts = %d, want %d", failed.Attempts, DefaultConfig().RetryMaxAttempts)
	}
	if failed.Err == "" {
		t.Error("failed task should carry the error text")
	}
}

func TestTransientFailureRecovers(t *testing.T) {
	env := newTestEnv(t, nil)
	ref := env.addScan(1700000000000, 2)
	env.archive.failuresLeft.Store(2)

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}

	rctesting.Eventually(t, 2*time.Second, func() bool {
		meta, _ := env.store.GetScanMeta(ref.Key)
		return len(meta.Present) == 2
	}, "records stored after retries")
}

func TestCancelRangeRetainsStoredRecords(t *testing.T) {
	env := newTestEnv(t, nil)
	env.archive.block = make(chan struct{})
	ref := env.addScan(1700000000000, 2)

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}
	rctesting.Eventually(t, 2*time.Second, func() bool {
		return env.sched.Stats().Active > 0
	}, "task active")

	n := env.sched.CancelRange("KDMX", fullRange())
	if n != 1 {
		t.Errorf("canceled %d tasks, want 1", n)
	}
	close(env.archive.block)

	rctesting.Eventually(t, 2*time.Second, func() bool {
		for _, task := range env.sched.QueueState() {
			if task.Scan == ref.Key && task.State.Terminal() {
				return true
			}
		}
		return false
	}, "task reached a terminal state")

	// Whatever was stored before the cancel stays cached.
	if _, err := env.store.GetScanMeta(ref.Key); err != nil {
		t.Errorf("GetScanMeta after cancel failed: %v", err)
	}
}

func TestRealtimeIngestion(t *testing.T) {
	env := newTestEnv(t, nil)
	scan := types.ScanKey{Site: "KDMX", ScanStart: 1700000000000}

	chunks := []source.Chunk{
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 0, HasVCP: true, VCPNumber: 35, RecordTime: scan.ScanStart + 1000, Data: []byte("r0")},
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 2, RecordTime: scan.ScanStart + 45000, Data: []byte("r2")},
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 1, RecordTime: scan.ScanStart + 20000, Data: []byte("r1")},
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 1, RecordTime: scan.ScanStart + 20000, Data: []byte("r1")}, // duplicate
	}
	src := &sliceChunkSource{chunks: chunks}

	if err := env.sched.RunRealtime(context.Background(), src); err != nil {
		t.Fatalf("RunRealtime failed: %v", err)
	}

	meta, err := env.store.GetScanMeta(scan)
	if err != nil {
		t.Fatalf("GetScanMeta failed: %v", err)
	}
	if len(meta.Present) != 3 {
		t.Errorf("Present = %v, want 3 distinct records", meta.Present)
	}
	if meta.ExpectedRecords != 22 {
		t.Errorf("ExpectedRecords = %d, want 22 from VCP 35", meta.ExpectedRecords)
	}
	if env.sched.Stats().RecordsStored != 3 {
		t.Errorf("RecordsStored = %d, want 3", env.sched.Stats().RecordsStored)
	}
	// Chunk record times bound the scan's availability span.
	if meta.FirstTime != scan.ScanStart+1000 || meta.LastTime != scan.ScanStart+45000 {
		t.Errorf("record times = [%d, %d], want [%d, %d]",
			meta.FirstTime, meta.LastTime, scan.ScanStart+1000, scan.ScanStart+45000)
	}
}

func TestQueueStateOrdered(t *testing.T) {
	env := newTestEnv(t, nil)
	env.archive.block = make(chan struct{})
	defer close(env.archive.block)
	for i := int64(0); i < 10; i++ {
		env.addScan(types.UnixMillis(1700000000000+i*360000), 1)
	}

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}

	tasks := env.sched.QueueState()
	if len(tasks) != 10 {
		t.Fatalf("QueueState has %d tasks, want 10", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].ID <= tasks[i-1].ID {
			t.Fatalf("tasks out of enqueue order at %d: id %d after %d", i, tasks[i].ID, tasks[i-1].ID)
		}
	}
}

// sliceChunkSource yields canned chunks then closes.
type sliceChunkSource struct {
	chunks []source.Chunk
	next   int
}

func (s *sliceChunkSource) Next(ctx context.Context) (source.Chunk, error) {
	if s.next >= len(s.chunks) {
		return source.Chunk{}, errors.ErrStreamClosed
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func TestEventsEmitted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.RetryInitialInterval = time.Millisecond
	env := newTestEnv(t, cfg)
	env.addScan(1700000000000, 1)

	if _, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange()); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}

	gt := rctesting.NewGoroutineTest(t)
	seen := make(map[EventKind]bool)
	gt.Go(func() error {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case ev := <-env.sched.Events():
				seen[ev.Kind] = true
				if seen[EventRecordStored] && seen[EventScanUpdated] &&
					seen[EventTaskUpdated] && seen[EventTimelineChanged] {
					return nil
				}
			case <-deadline:
				return errors.Wrapf(errors.New("timeout"), "events seen: %v", seen)
			}
		}
	})
	gt.Wait()
}

func TestConcurrentRequestsConverge(t *testing.T) {
	env := newTestEnv(t, nil)
	// 22 records makes the scan Complete under VCP 35.
	ref := env.addScan(1700000000000, 22)

	gt := rctesting.NewGoroutineTest(t)
	for i := 0; i < 4; i++ {
		gt.Go(func() error {
			_, err := env.sched.RequestRange(context.Background(), "KDMX", fullRange())
			return err
		})
	}
	gt.Wait()

	rctesting.Eventually(t, 2*time.Second, func() bool {
		meta, _ := env.store.GetScanMeta(ref.Key)
		return meta.Completeness() == types.CompletenessComplete
	}, "scan complete")

	meta, _ := env.store.GetScanMeta(ref.Key)
	if len(meta.Present) != 22 {
		t.Errorf("Present has %d records, want exactly 22 despite racing requests", len(meta.Present))
	}
}
