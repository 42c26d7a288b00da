// Package source provides the data acquisition interfaces and their
// archive implementation. The scheduler consumes these; the engine wires
// concrete sources in.
package source

import (
	"context"

	"github.com/xtxerr/radarcache/internal/cache/types"
)

// ScanRef identifies a downloadable volume file in the archive.
type ScanRef struct {
	Key       types.ScanKey
	FileName  string
	SizeBytes int64
}

// ArchiveLister enumerates the archived scans of a site within a time
// range.
type ArchiveLister interface {
	ListScans(ctx context.Context, site types.SiteID, rng types.TimeRange) ([]ScanRef, error)
}

// ArchiveFetcher downloads one whole volume file.
type ArchiveFetcher interface {
	FetchVolume(ctx context.Context, ref ScanRef) ([]byte, error)
}

// ArchiveSource combines listing and fetching.
type ArchiveSource interface {
	ArchiveLister
	ArchiveFetcher
}

// Chunk is one realtime record delivery. Chunks may arrive out of
// order and may duplicate records already stored.
type Chunk struct {
	Site      types.SiteID
	ScanStart types.UnixMillis
	RecordID  uint32
	HasVCP    bool
	VCPNumber int

	// RecordTime is the record's collection time, 0 when the feed does
	// not carry one.
	RecordTime types.UnixMillis

	Data []byte
}

// ChunkSource delivers realtime chunks. Next blocks until a chunk is
// available, the source ends (ErrStreamClosed), or ctx is done.
type ChunkSource interface {
	Next(ctx context.Context) (Chunk, error)
}
