package volume

import (
	"sync"

	"github.com/xtxerr/radarcache/internal/cache/types"
)

// Ring holds the most recently assembled volumes for one site,
// chronologically ordered by scan start. When full, inserting a newer
// volume drops the oldest. Replaying a scan already in the ring
// replaces it in place, so a partial volume upgrades to a fuller one
// without churn.
//
// Safe for concurrent use.
type Ring struct {
	mu       sync.Mutex
	capacity int
	volumes  []*Volume
}

// NewRing creates a ring holding up to capacity volumes. Capacities
// below 2 are raised to 2: sweep rendering interpolates across a scan
// boundary and needs both neighbors resident.
func NewRing(capacity int) *Ring {
	if capacity < 2 {
		capacity = 2
	}
	return &Ring{capacity: capacity}
}

// Insert adds a volume, keeping the ring chronological. A volume older
// than everything in a full ring is ignored.
func (r *Ring) Insert(v *Volume) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.volumes {
		if existing.Scan == v.Scan {
			r.volumes[i] = v
			return
		}
	}

	pos := len(r.volumes)
	for i, existing := range r.volumes {
		if v.Scan.ScanStart < existing.Scan.ScanStart {
			pos = i
			break
		}
	}

	r.volumes = append(r.volumes, nil)
	copy(r.volumes[pos+1:], r.volumes[pos:])
	r.volumes[pos] = v

	if len(r.volumes) > r.capacity {
		copy(r.volumes, r.volumes[1:])
		r.volumes[len(r.volumes)-1] = nil
		r.volumes = r.volumes[:len(r.volumes)-1]
	}
}

// Get returns the ring's volume for a scan, or nil.
func (r *Ring) Get(scan types.ScanKey) *Volume {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.volumes {
		if v.Scan == scan {
			return v
		}
	}
	return nil
}

// Latest returns the newest resident volume, or nil when empty.
func (r *Ring) Latest() *Volume {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.volumes) == 0 {
		return nil
	}
	return r.volumes[len(r.volumes)-1]
}

// Keys lists the resident scans in chronological order.
func (r *Ring) Keys() []types.ScanKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]types.ScanKey, len(r.volumes))
	for i, v := range r.volumes {
		keys[i] = v.Scan
	}
	return keys
}

// Len returns the number of resident volumes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.volumes)
}

// Clear drops every resident volume. Called on site change.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = nil
}
