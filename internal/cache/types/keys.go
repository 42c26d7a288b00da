// Package types defines the identity and index types shared by the
// record store, volume assembler, and acquisition scheduler.
//
// A scan is one full volume collection at one site, identified by
// (site, scan start time). Records are the fixed-order pieces of a scan.
// All storage keys are derived from these identities so that writes are
// idempotent: storing the same record twice produces the same key.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/radarcache/internal/errors"
)

// KeySeparator joins key components. Site identifiers and record IDs
// never contain it.
const KeySeparator = "|"

// SiteID identifies a radar site, e.g. "KDMX".
type SiteID string

// UnixMillis is a timestamp in milliseconds since the Unix epoch.
// Scan start times use millisecond precision end to end so that keys
// round-trip exactly.
type UnixMillis int64

// UnixMillisFromTime truncates t to millisecond precision.
func UnixMillisFromTime(t time.Time) UnixMillis {
	return UnixMillis(t.UnixMilli())
}

// UnixMillisFromSecs converts whole seconds to UnixMillis.
func UnixMillisFromSecs(secs int64) UnixMillis {
	return UnixMillis(secs * 1000)
}

// Time converts the timestamp back to a time.Time in UTC.
func (m UnixMillis) Time() time.Time {
	return time.UnixMilli(int64(m)).UTC()
}

// ScanKey uniquely identifies one volume scan.
type ScanKey struct {
	Site      SiteID
	ScanStart UnixMillis
}

// StorageKey renders the scan key in its canonical "SITE|millis" form.
func (k ScanKey) StorageKey() string {
	return string(k.Site) + KeySeparator + strconv.FormatInt(int64(k.ScanStart), 10)
}

func (k ScanKey) String() string {
	return fmt.Sprintf("%s @ %s", k.Site, k.ScanStart.Time().Format(time.RFC3339))
}

// ParseScanKey parses the canonical "SITE|millis" form.
func ParseScanKey(s string) (ScanKey, error) {
	parts := strings.Split(s, KeySeparator)
	if len(parts) != 2 || parts[0] == "" {
		return ScanKey{}, errors.Wrapf(errors.ErrInvalidKey, "scan key %q", s)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ScanKey{}, errors.Wrapf(errors.ErrInvalidKey, "scan key %q", s)
	}
	return ScanKey{Site: SiteID(parts[0]), ScanStart: UnixMillis(ms)}, nil
}

// RecordKey uniquely identifies one record within a scan. RecordID is
// the record's ordinal position in the volume file (0-based); record 0
// carries the volume header.
type RecordKey struct {
	Scan     ScanKey
	RecordID uint32
}

// StorageKey renders the record key as "SITE|millis|recordID".
func (k RecordKey) StorageKey() string {
	return k.Scan.StorageKey() + KeySeparator + strconv.FormatUint(uint64(k.RecordID), 10)
}

// ParseRecordKey parses the canonical "SITE|millis|recordID" form.
func ParseRecordKey(s string) (RecordKey, error) {
	idx := strings.LastIndex(s, KeySeparator)
	if idx < 0 {
		return RecordKey{}, errors.Wrapf(errors.ErrInvalidKey, "record key %q", s)
	}
	scan, err := ParseScanKey(s[:idx])
	if err != nil {
		return RecordKey{}, err
	}
	id, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return RecordKey{}, errors.Wrapf(errors.ErrInvalidKey, "record key %q", s)
	}
	return RecordKey{Scan: scan, RecordID: uint32(id)}, nil
}

// TimeRange is a half-open [Start, End) interval in millisecond time.
type TimeRange struct {
	Start UnixMillis
	End   UnixMillis
}

// Contains reports whether t falls within the range.
func (r TimeRange) Contains(t UnixMillis) bool {
	return t >= r.Start && t < r.End
}

// Overlaps reports whether the two ranges intersect.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// MergeTimeRanges coalesces sorted-or-unsorted point ranges into maximal
// availability ranges, merging any two ranges separated by at most gapMs.
// Used to render the timeline's "data available here" segments.
func MergeTimeRanges(ranges []TimeRange, gapMs int64) []TimeRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]TimeRange, len(ranges))
	copy(sorted, ranges)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Start < sorted[j-1].Start; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	merged := []TimeRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if int64(r.Start)-int64(last.End) <= gapMs {
			if r.End > last.End {
				last.End = r.End
			}
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}
