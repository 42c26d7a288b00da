package types

import (
	"sort"
	"time"
)

// RecordMeta is the per-record index entry. The record blob itself is
// stored separately; the index carries everything timeline and assembly
// queries need without touching blobs.
type RecordMeta struct {
	Key        RecordKey
	RecordTime UnixMillis // collection time parsed from the record, 0 if unknown
	SizeBytes  int64
	HasVCP     bool // true only for record 0 with a recognized VCP
	StoredAt   time.Time
}

// EffectiveTime returns the record's collection time, falling back to
// the scan start when the record carried no usable timestamp.
func (m RecordMeta) EffectiveTime() UnixMillis {
	if m.RecordTime > 0 {
		return m.RecordTime
	}
	return m.Key.Scan.ScanStart
}

// ScanMeta is the per-scan index entry, updated transactionally with
// every record put and read by timeline queries, assembly, and eviction.
type ScanMeta struct {
	Key ScanKey

	// HasVCP is set once record 0 yields a recognized VCP number.
	HasVCP bool

	// ExpectedRecords is the record count implied by the VCP, 0 while
	// unknown.
	ExpectedRecords int

	// Present lists the distinct record IDs stored, ascending.
	Present []uint32

	// FileName is the archive object name the scan came from, empty for
	// realtime scans.
	FileName string

	TotalSizeBytes int64

	// FirstTime and LastTime bound the collection times of stored records.
	FirstTime UnixMillis
	LastTime  UnixMillis

	UpdatedAt    time.Time
	LastAccessAt time.Time

	// DecodeFailed marks a scan whose assembled bytes failed to decode.
	// The records stay cached; refetching identical bytes cannot help.
	DecodeFailed bool
}

// Completeness recomputes the scan's completeness from its counts.
func (m *ScanMeta) Completeness() Completeness {
	return ComputeCompleteness(m.HasVCP, len(m.Present), m.ExpectedRecords)
}

// HasRecord reports whether the given record ID is already stored.
func (m *ScanMeta) HasRecord(id uint32) bool {
	i := sort.Search(len(m.Present), func(i int) bool { return m.Present[i] >= id })
	return i < len(m.Present) && m.Present[i] == id
}

// AddRecord inserts id into Present keeping it sorted. Returns false if
// the id was already present.
func (m *ScanMeta) AddRecord(id uint32) bool {
	i := sort.Search(len(m.Present), func(i int) bool { return m.Present[i] >= id })
	if i < len(m.Present) && m.Present[i] == id {
		return false
	}
	m.Present = append(m.Present, 0)
	copy(m.Present[i+1:], m.Present[i:])
	m.Present[i] = id
	return true
}

// MissingRecords lists the record IDs still absent, given the expected
// count. Returns nil when the expected count is unknown.
func (m *ScanMeta) MissingRecords() []uint32 {
	if m.ExpectedRecords <= 0 {
		return nil
	}
	var missing []uint32
	j := 0
	for id := uint32(0); int(id) < m.ExpectedRecords; id++ {
		if j < len(m.Present) && m.Present[j] == id {
			j++
			continue
		}
		missing = append(missing, id)
	}
	return missing
}

// TimeRange returns the availability range this scan contributes to the
// timeline, widened to the scan start when record times are unknown.
func (m *ScanMeta) TimeRange() TimeRange {
	start := m.Key.ScanStart
	end := m.LastTime
	if m.FirstTime > 0 && m.FirstTime < start {
		start = m.FirstTime
	}
	if end <= start {
		end = start + 1
	}
	return TimeRange{Start: start, End: end}
}
