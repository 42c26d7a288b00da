package scheduler

import (
	"time"

	"github.com/xtxerr/radarcache/internal/cache/types"
)

// TaskState tracks a download task through its lifecycle.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskActive
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskActive:
		return "active"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the task will not change state again.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// Task is a snapshot of one download task. Snapshots are values; the
// scheduler owns the live entries.
type Task struct {
	ID       int64
	Scan     types.ScanKey
	FileName string
	State    TaskState

	// Attempts counts fetch attempts, including retries.
	Attempts int

	// Err holds the final error text for failed tasks.
	Err string

	RecordsStored int
	BytesFetched  int64

	EnqueuedAt time.Time
	UpdatedAt  time.Time
}
