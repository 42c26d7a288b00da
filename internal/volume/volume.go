// Package volume assembles cached records into decoded radar volumes
// and keeps the most recent volumes in a fixed-size ring for rendering.
package volume

import (
	"github.com/xtxerr/radarcache/internal/cache/types"
)

// Radial is one ray of moment data within a sweep.
type Radial struct {
	AzimuthDeg   float64
	ElevationDeg float64
	GateCount    int
	Reflectivity []float32
}

// Sweep is one full rotation at a fixed elevation.
type Sweep struct {
	ElevationDeg float64
	Radials      []Radial
}

// Header is the volume-level metadata carried by record 0.
type Header struct {
	VCP            int
	CollectionTime types.UnixMillis
}

// Volume is a decoded scan, possibly assembled from a partial record
// set.
type Volume struct {
	Scan types.ScanKey
	VCP  int

	Sweeps []Sweep

	// RecordCount is how many stored records went into the assembly.
	RecordCount int

	// Partial is true when the assembly ran with records missing.
	// MissingRecords lists them when the expected count is known.
	Partial        bool
	MissingRecords []uint32
}

// Decoder turns raw record bytes into volume structures. The engine is
// decoder-agnostic; implementations range from a header-only probe to a
// full moment decoder.
type Decoder interface {
	// DecodeHeader extracts volume metadata from record 0.
	DecodeHeader(record0 []byte) (Header, error)

	// Decode builds a volume from the concatenated records of a scan,
	// in record ID order.
	Decode(scan types.ScanKey, records [][]byte) (*Volume, error)
}
