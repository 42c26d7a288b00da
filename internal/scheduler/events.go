package scheduler

import (
	"github.com/xtxerr/radarcache/internal/cache/types"
)

// EventKind classifies engine events.
type EventKind int

const (
	// EventRecordStored: one new record landed in the store.
	EventRecordStored EventKind = iota

	// EventScanUpdated: a scan's completeness changed.
	EventScanUpdated

	// EventTaskUpdated: a task changed state.
	EventTaskUpdated

	// EventTimelineChanged: availability ranges may have changed
	// (records stored or scans evicted).
	EventTimelineChanged
)

func (k EventKind) String() string {
	switch k {
	case EventRecordStored:
		return "record-stored"
	case EventScanUpdated:
		return "scan-updated"
	case EventTaskUpdated:
		return "task-updated"
	case EventTimelineChanged:
		return "timeline-changed"
	default:
		return "unknown"
	}
}

// Event notifies consumers of cache activity. Every payload is
// recoverable from the index, so delivery is best effort: a slow
// consumer drops events rather than stalling ingestion.
type Event struct {
	Kind EventKind

	Scan     types.ScanKey
	RecordID uint32

	// Completeness accompanies EventScanUpdated.
	Completeness types.Completeness

	// Task accompanies EventTaskUpdated.
	TaskID    int64
	TaskState TaskState
}
