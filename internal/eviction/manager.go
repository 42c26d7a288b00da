// Package eviction keeps the record store within its storage budget by
// removing least recently used scans.
//
// Eviction is the only operation that moves a scan's completeness
// backward, and it always removes whole scans: partial scans are never
// left behind by budget pressure.
package eviction

import (
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/radarcache/internal/cache/store"
	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/logging"
)

var log = logging.Component("eviction")

// Manager enforces the storage budget.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	budget int64
	target int64
	stats  Stats

	// Protect is called before each eviction; scans it reports as
	// protected are skipped. The engine uses it to keep ring-resident
	// scans cached.
	Protect func(types.ScanKey) bool
}

// Stats holds eviction statistics.
type Stats struct {
	LastRunTime    time.Time
	Runs           int64
	ScansEvicted   int64
	RecordsEvicted int64
	BytesFreed     int64
}

// Result holds the outcome of one eviction pass.
type Result struct {
	ScansEvicted   int
	RecordsEvicted int
	BytesFreed     int64
	Evicted        []types.ScanKey
}

// New creates a manager enforcing budget bytes. Eviction passes drive
// usage down to budget*targetRatio.
func New(s *store.Store, budget int64, targetRatio float64) *Manager {
	if targetRatio <= 0 || targetRatio > 1 {
		targetRatio = 1
	}
	return &Manager{
		store:  s,
		budget: budget,
		target: int64(float64(budget) * targetRatio),
	}
}

// Budget returns the configured budget in bytes.
func (m *Manager) Budget() int64 {
	return m.budget
}

// Check runs an eviction pass if current usage exceeds the budget.
func (m *Manager) Check() (Result, error) {
	return m.ensure(0)
}

// EnsureCapacity makes room for incoming bytes before a write. A write
// larger than the whole budget fails with ErrQuotaExceeded rather than
// emptying the cache for a record set that can never fit.
func (m *Manager) EnsureCapacity(incoming int64) (Result, error) {
	if incoming > m.budget {
		return Result{}, fmt.Errorf("%d bytes exceeds budget %d: %w",
			incoming, m.budget, errors.ErrQuotaExceeded)
	}
	return m.ensure(incoming)
}

func (m *Manager) ensure(incoming int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, err := m.store.TotalSize()
	if err != nil {
		return Result{}, err
	}
	if total+incoming <= m.budget {
		return Result{}, nil
	}

	goal := m.target - incoming
	if goal < 0 {
		goal = 0
	}
	result, err := m.evictTo(goal, total)

	m.stats.LastRunTime = time.Now()
	m.stats.Runs++
	m.stats.ScansEvicted += int64(result.ScansEvicted)
	m.stats.RecordsEvicted += int64(result.RecordsEvicted)
	m.stats.BytesFreed += result.BytesFreed
	return result, err
}

// evictTo removes LRU scans until usage is at or below goal.
func (m *Manager) evictTo(goal, total int64) (Result, error) {
	var result Result

	scans, err := m.store.ScansByLastAccess()
	if err != nil {
		return result, err
	}

	for _, meta := range scans {
		if total <= goal {
			break
		}
		if m.Protect != nil && m.Protect(meta.Key) {
			continue
		}

		records, freed, err := m.store.DeleteScan(meta.Key)
		if err != nil {
			return result, errors.Wrapf(err, "evicting scan %s", meta.Key)
		}
		total -= freed
		result.ScansEvicted++
		result.RecordsEvicted += records
		result.BytesFreed += freed
		result.Evicted = append(result.Evicted, meta.Key)

		log.Info("scan evicted",
			"scan", meta.Key, "records", records, "bytes", freed)
	}

	if total > goal {
		log.Warn("eviction could not reach target",
			"usage", total, "target", goal)
	}
	return result, nil
}

// Stats returns cumulative eviction statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
