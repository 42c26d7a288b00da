package scheduler

import (
	"fmt"

	"github.com/xtxerr/radarcache/internal/errors"
)

// Archive volume files carry a 24-byte volume header followed by
// bzip2-compressed LDM records, each preceded by a 4-byte control word.
// Rather than trusting the control words (which are unreliable in older
// archives), the splitter locates records by their compression magic:
// "BZh" followed by a block-size digit.

const volumeHeaderSize = 24

// SplitArchive splits a downloaded volume file into its records.
// Record 0 keeps the volume header prefix; every record keeps its
// control word so the bytes round-trip.
func SplitArchive(data []byte) ([][]byte, error) {
	offsets := findBlockOffsets(data)
	if len(offsets) == 0 {
		return nil, errors.Wrap(errors.ErrDecodeFailed, "no compressed records in volume file")
	}

	starts := make([]int, len(offsets))
	for i, off := range offsets {
		// The control word sits just before the magic.
		if off >= 4 {
			starts[i] = off - 4
		} else {
			starts[i] = off
		}
	}
	// Record 0 starts at the file head so the volume header travels
	// with it.
	if starts[0] <= volumeHeaderSize {
		starts[0] = 0
	}

	records := make([][]byte, len(starts))
	for i := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if starts[i] >= end {
			return nil, fmt.Errorf("record %d: empty slice [%d:%d]: %w",
				i, starts[i], end, errors.ErrDecodeFailed)
		}
		records[i] = data[starts[i]:end]
	}
	return records, nil
}

// findBlockOffsets returns the byte offsets of every bzip2 stream magic
// in data.
func findBlockOffsets(data []byte) []int {
	var offsets []int
	for i := 0; i+4 <= len(data); i++ {
		if data[i] == 'B' && data[i+1] == 'Z' && data[i+2] == 'h' &&
			data[i+3] >= '1' && data[i+3] <= '9' {
			offsets = append(offsets, i)
			i += 3
		}
	}
	return offsets
}
