package engine

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/source"
	rctesting "github.com/xtxerr/radarcache/internal/testing"
	"github.com/xtxerr/radarcache/internal/volume"
)

// memArchive serves synthetic volume files from memory.
type memArchive struct {
	refs  []source.ScanRef
	files map[string][]byte
}

func (a *memArchive) ListScans(ctx context.Context, site types.SiteID, rng types.TimeRange) ([]source.ScanRef, error) {
	var out []source.ScanRef
	for _, ref := range a.refs {
		if ref.Key.Site == site && rng.Contains(ref.Key.ScanStart) {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (a *memArchive) FetchVolume(ctx context.Context, ref source.ScanRef) ([]byte, error) {
	data, ok := a.files[ref.FileName]
	if !ok {
		return nil, errors.NewNetwork("fetch", errors.New("no such object"))
	}
	return data, nil
}

// addScan registers a synthetic two-record volume file.
func (a *memArchive) addScan(site types.SiteID, start types.UnixMillis) source.ScanRef {
	key := types.ScanKey{Site: site, ScanStart: start}
	name := "vol_" + key.StorageKey()

	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{'H'}, 24))
	for i := 0; i < 2; i++ {
		buf.Write([]byte{0, 0, 0, 16})
		buf.WriteString("BZh9")
		buf.WriteString("payload data")
	}
	a.files[name] = buf.Bytes()
	ref := source.ScanRef{Key: key, FileName: name}
	a.refs = append(a.refs, ref)
	return ref
}

type stubDecoder struct{}

func (stubDecoder) DecodeHeader(record0 []byte) (volume.Header, error) {
	return volume.Header{VCP: 35}, nil
}

func (stubDecoder) Decode(scan types.ScanKey, records [][]byte) (*volume.Volume, error) {
	return &volume.Volume{VCP: 35, Sweeps: make([]volume.Sweep, len(records))}, nil
}

func newTestEngine(t *testing.T) (*Engine, *memArchive) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Site = "KDMX"
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.RetryInitialInterval = time.Millisecond

	archive := &memArchive{files: make(map[string][]byte)}
	e, err := New(cfg, archive, stubDecoder{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e, archive
}

func TestEngineEndToEnd(t *testing.T) {
	e, archive := newTestEngine(t)
	ref := archive.addScan("KDMX", 1700000000000)

	n, err := e.RequestRange(context.Background(), types.TimeRange{Start: 0, End: 1 << 62})
	if err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("enqueued %d tasks, want 1", n)
	}

	rctesting.Eventually(t, 2*time.Second, func() bool {
		metas, err := e.QueryTimelineRange(types.TimeRange{Start: 0, End: 1 << 62})
		return err == nil && len(metas) == 1 && len(metas[0].Present) == 2
	}, "scan downloaded")

	v, err := e.GetVolume(ref.Key.ScanStart)
	if err != nil {
		t.Fatalf("GetVolume failed: %v", err)
	}
	if v.Scan != ref.Key {
		t.Errorf("volume scan = %v, want %v", v.Scan, ref.Key)
	}
	if v.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", v.RecordCount)
	}

	ranges, err := e.AvailabilityRanges(types.TimeRange{Start: 0, End: 1 << 62})
	if err != nil {
		t.Fatalf("AvailabilityRanges failed: %v", err)
	}
	if len(ranges) != 1 {
		t.Errorf("availability ranges = %v, want 1 range", ranges)
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ScanCount != 1 || stats.TotalBytes == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGetVolumeMissing(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.GetVolume(1700000000000)
	if !errors.IsIncomplete(err) {
		t.Errorf("GetVolume of uncached scan = %v, want incomplete", err)
	}
}

func TestSetSiteClearsRing(t *testing.T) {
	e, archive := newTestEngine(t)
	ref := archive.addScan("KDMX", 1700000000000)

	if _, err := e.RequestRange(context.Background(), types.TimeRange{Start: 0, End: 1 << 62}); err != nil {
		t.Fatalf("RequestRange failed: %v", err)
	}
	rctesting.Eventually(t, 2*time.Second, func() bool {
		_, err := e.GetVolume(ref.Key.ScanStart)
		return err == nil
	}, "volume assembled")

	e.SetSite("KTLX")
	if e.Site() != "KTLX" {
		t.Errorf("Site = %v, want KTLX", e.Site())
	}

	stats, err := e.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats.RingScans) != 0 {
		t.Errorf("ring should be empty after site change, has %v", stats.RingScans)
	}

	// Cached records for the old site survive the switch.
	e.SetSite("KDMX")
	v, err := e.GetVolume(ref.Key.ScanStart)
	if err != nil {
		t.Fatalf("GetVolume after switching back failed: %v", err)
	}
	if v.RecordCount != 2 {
		t.Errorf("RecordCount = %d, want 2", v.RecordCount)
	}
}

func TestStreamRealtime(t *testing.T) {
	e, _ := newTestEngine(t)

	scan := types.ScanKey{Site: "KDMX", ScanStart: 1700000000000}
	src := &cannedChunks{chunks: []source.Chunk{
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 0, HasVCP: true, VCPNumber: 35, Data: []byte("r0")},
		{Site: scan.Site, ScanStart: scan.ScanStart, RecordID: 1, Data: []byte("r1")},
	}}

	if err := e.StreamRealtime(src); err != nil {
		t.Fatalf("StreamRealtime failed: %v", err)
	}

	rctesting.Eventually(t, 2*time.Second, func() bool {
		metas, err := e.QueryTimelineRange(types.TimeRange{Start: 0, End: 1 << 62})
		return err == nil && len(metas) == 1 && len(metas[0].Present) == 2
	}, "realtime records stored")
}

type cannedChunks struct {
	chunks []source.Chunk
	next   int
}

func (s *cannedChunks) Next(ctx context.Context) (source.Chunk, error) {
	if s.next >= len(s.chunks) {
		return source.Chunk{}, errors.ErrStreamClosed
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero budget", func(c *Config) { c.CacheBudgetBytes = 0 }},
		{"bad target ratio", func(c *Config) { c.EvictTargetRatio = 1.5 }},
		{"ring too small", func(c *Config) { c.Ring.Capacity = 1 }},
		{"ring too large", func(c *Config) { c.Ring.Capacity = 4 }},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }},
		{"empty bucket", func(c *Config) { c.Archive.Bucket = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}
