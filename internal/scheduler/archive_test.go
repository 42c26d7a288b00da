package scheduler

import (
	"bytes"
	"testing"

	"github.com/xtxerr/radarcache/internal/errors"
)

// buildVolumeFile assembles a synthetic archive file: a 24-byte volume
// header followed by control-word-prefixed compressed blocks.
func buildVolumeFile(blocks ...[]byte) []byte {
	var buf bytes.Buffer
	buf.Write(bytes.Repeat([]byte{'H'}, volumeHeaderSize))
	for _, b := range blocks {
		buf.Write([]byte{0, 0, 0, byte(len(b))}) // control word
		buf.Write(b)
	}
	return buf.Bytes()
}

func bzBlock(payload string) []byte {
	return append([]byte("BZh9"), payload...)
}

func TestSplitArchiveTwoRecords(t *testing.T) {
	data := buildVolumeFile(bzBlock("first block"), bzBlock("second block"))

	records, err := SplitArchive(data)
	if err != nil {
		t.Fatalf("SplitArchive failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	// Record 0 carries the volume header.
	if !bytes.HasPrefix(records[0], bytes.Repeat([]byte{'H'}, volumeHeaderSize)) {
		t.Error("record 0 should start with the volume header")
	}
	if !bytes.Contains(records[0], []byte("first block")) {
		t.Error("record 0 should contain the first block")
	}
	if !bytes.Contains(records[1], []byte("second block")) {
		t.Error("record 1 should contain the second block")
	}
	if bytes.Contains(records[0], []byte("second block")) {
		t.Error("record 0 should stop before the second block")
	}

	// The split loses no bytes.
	total := 0
	for _, r := range records {
		total += len(r)
	}
	if total != len(data) {
		t.Errorf("records total %d bytes, file has %d", total, len(data))
	}
}

func TestSplitArchiveSingleRecord(t *testing.T) {
	data := buildVolumeFile(bzBlock("only"))

	records, err := SplitArchive(data)
	if err != nil {
		t.Fatalf("SplitArchive failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	if len(records[0]) != len(data) {
		t.Errorf("single record should span the whole file")
	}
}

func TestSplitArchiveNoMagic(t *testing.T) {
	_, err := SplitArchive([]byte("not a volume file at all"))
	if !errors.IsDecodeFailed(err) {
		t.Errorf("SplitArchive of garbage = %v, want decode failed", err)
	}
}

func TestFindBlockOffsets(t *testing.T) {
	data := []byte("xxBZh5yyyyBZh0zzzzBZh9")
	offsets := findBlockOffsets(data)

	// "BZh0" is not a valid block size digit.
	if len(offsets) != 2 || offsets[0] != 2 || offsets[1] != 18 {
		t.Errorf("offsets = %v, want [2 18]", offsets)
	}
}
