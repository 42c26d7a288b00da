package types

// Completeness describes how much of a scan the cache currently holds.
// It is a pure function of the scan's index entry and is never stored;
// stale completeness cannot exist because it is recomputed on read.
type Completeness int

const (
	// CompletenessMissing: no records stored for the scan.
	CompletenessMissing Completeness = iota

	// CompletenessPartialNoVCP: some records stored, but record 0 has not
	// yielded a VCP yet, so the expected record count is unknown.
	CompletenessPartialNoVCP

	// CompletenessPartialWithVCP: some records stored and the expected
	// count is known, but not all records are present.
	CompletenessPartialWithVCP

	// CompletenessComplete: every expected record is present.
	CompletenessComplete
)

func (c Completeness) String() string {
	switch c {
	case CompletenessMissing:
		return "missing"
	case CompletenessPartialNoVCP:
		return "partial-no-vcp"
	case CompletenessPartialWithVCP:
		return "partial-with-vcp"
	case CompletenessComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// IsPartial reports whether the scan holds some but not all records.
func (c Completeness) IsPartial() bool {
	return c == CompletenessPartialNoVCP || c == CompletenessPartialWithVCP
}

// ComputeCompleteness derives the completeness state from stored counts.
// expected == 0 means the expected record count is unknown.
//
// Present counts only distinct record IDs, so duplicate puts cannot
// push a scan past Complete.
func ComputeCompleteness(hasVCP bool, present int, expected int) Completeness {
	if present == 0 {
		return CompletenessMissing
	}
	if expected > 0 && present >= expected {
		return CompletenessComplete
	}
	if hasVCP {
		return CompletenessPartialWithVCP
	}
	return CompletenessPartialNoVCP
}
