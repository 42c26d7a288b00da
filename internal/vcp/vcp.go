// Package vcp holds Volume Coverage Pattern definitions.
//
// A VCP fixes the elevation sequence a radar sweeps during one volume
// scan, which in turn fixes how many records the volume's file splits
// into. Knowing the VCP from record 0 lets the cache tell "still
// downloading" apart from "complete".
package vcp

// Definition describes one coverage pattern.
type Definition struct {
	Number     int
	Name       string
	Elevations []float64 // degrees, in sweep order
}

// definitions covers the patterns in operational use. Precipitation
// mode runs 212/215; clear-air mode runs 35.
var definitions = map[int]Definition{
	212: {
		Number: 212,
		Name:   "precipitation (SAILS)",
		Elevations: []float64{
			0.5, 0.5, 0.9, 0.9, 1.3, 1.3, 1.8, 2.4, 3.1, 4.0, 5.1, 6.4, 8.0, 10.0, 12.5, 15.6, 19.5,
		},
	},
	215: {
		Number: 215,
		Name:   "general surveillance",
		Elevations: []float64{
			0.5, 0.9, 1.3, 1.8, 2.4, 3.1, 4.0, 5.1, 6.4, 8.0, 10.0, 12.0, 14.0, 16.7, 19.5,
		},
	},
	35: {
		Number: 35,
		Name:   "clear air",
		Elevations: []float64{
			0.5, 0.9, 1.3, 1.8, 2.4, 3.1, 4.5,
		},
	},
}

// Lookup returns the definition for a VCP number.
func Lookup(number int) (Definition, bool) {
	def, ok := definitions[number]
	return def, ok
}

// ExpectedRecords returns the record count a volume file splits into for
// the given VCP: one header record plus three data records per elevation.
// ok is false for unrecognized patterns, in which case the count stays
// unknown and completeness falls back to the partial states.
func ExpectedRecords(number int) (int, bool) {
	def, ok := definitions[number]
	if !ok {
		return 0, false
	}
	return 1 + 3*len(def.Elevations), true
}

// Known lists the recognized VCP numbers, for diagnostics.
func Known() []int {
	nums := make([]int, 0, len(definitions))
	for n := range definitions {
		nums = append(nums, n)
	}
	return nums
}
