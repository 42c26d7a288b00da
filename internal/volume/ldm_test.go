package volume

import (
	"testing"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
)

func TestLDMDecodeHeaderRejectsGarbage(t *testing.T) {
	var d LDMDecoder

	_, err := d.DecodeHeader([]byte("definitely not a radar record"))
	if !errors.IsDecodeFailed(err) {
		t.Errorf("DecodeHeader of garbage = %v, want decode failed", err)
	}

	// A control word followed by a corrupt stream fails during
	// decompression, not with a panic.
	corrupt := append([]byte{0, 0, 0, 9}, []byte("BZh9trash")...)
	if _, err := d.DecodeHeader(corrupt); !errors.IsDecodeFailed(err) {
		t.Errorf("DecodeHeader of corrupt stream = %v, want decode failed", err)
	}
}

func TestMsgTime(t *testing.T) {
	if got := msgTime(0, 123); got != 0 {
		t.Errorf("msgTime(0, 123) = %d, want 0", got)
	}
	// Day one of the message calendar is the unix epoch.
	if got := msgTime(1, 0); got != 0 {
		t.Errorf("msgTime(1, 0) = %d, want 0", got)
	}
	// 2023-11-14 is day 19676; 22:13:20 UTC is 80,000 seconds in.
	if got := msgTime(19676, 80_000_000); got != 1700000000000 {
		t.Errorf("msgTime(19676, 80000000) = %d, want 1700000000000", got)
	}
}

func TestLDMDecodeEmpty(t *testing.T) {
	var d LDMDecoder

	_, err := d.Decode(types.ScanKey{Site: "KDMX", ScanStart: 1}, nil)
	if !errors.IsDecodeFailed(err) {
		t.Errorf("Decode of no records = %v, want decode failed", err)
	}
}
