package volume

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
)

// Records are bzip2-compressed LDM blocks, optionally preceded by the
// 24-byte volume header (record 0) and a 4-byte control word. The
// decompressed metadata record is a sequence of 2432-byte message
// frames; each frame carries a 12-byte CTM header, then the message
// header whose type byte sits at offset 15. Message type 5 (RDA volume
// coverage data) carries the pattern number.

const (
	ldmFrameSize     = 2432
	ctmHeaderSize    = 12
	msgTypeOffset    = ctmHeaderSize + 3
	msgDateOffset    = ctmHeaderSize + 6
	msgMillisOffset  = ctmHeaderSize + 8
	msgHeaderSize    = 16
	vcpNumberOffset  = ctmHeaderSize + msgHeaderSize + 2
	msgTypeVCP       = 5
	archiveMagic     = "AR2V"
	volumeHeaderSize = 24

	millisPerDay = 24 * 60 * 60 * 1000
)

// LDMDecoder is a structural decoder: it validates record compression,
// extracts the volume header, and shapes the volume without decoding
// moment data. Full moment decoders plug in behind the same interface.
type LDMDecoder struct{}

// DecodeHeader extracts the VCP and collection time from record 0's
// metadata messages.
func (LDMDecoder) DecodeHeader(record0 []byte) (Header, error) {
	payload, err := decompressRecord(record0)
	if err != nil {
		return Header{}, err
	}

	for off := 0; off+ldmFrameSize <= len(payload); off += ldmFrameSize {
		frame := payload[off : off+ldmFrameSize]
		if frame[msgTypeOffset] != msgTypeVCP {
			continue
		}
		if vcpNumberOffset+2 > len(frame) {
			break
		}
		number := int(binary.BigEndian.Uint16(frame[vcpNumberOffset:]))
		if number == 0 {
			continue
		}
		return Header{
			VCP: number,
			CollectionTime: msgTime(
				binary.BigEndian.Uint16(frame[msgDateOffset:]),
				binary.BigEndian.Uint32(frame[msgMillisOffset:])),
		}, nil
	}
	return Header{}, fmt.Errorf("no coverage pattern message in record 0: %w", errors.ErrDecodeFailed)
}

// msgTime converts a message header's modified julian date (days since
// the unix epoch, day one) and milliseconds of day to unix milliseconds.
func msgTime(julianDay uint16, msOfDay uint32) types.UnixMillis {
	if julianDay == 0 {
		return 0
	}
	return types.UnixMillis((int64(julianDay)-1)*millisPerDay + int64(msOfDay))
}

// Decode validates every record's compression and returns a structural
// volume. Sweeps stay empty; moment decoding is out of this decoder's
// scope.
func (d LDMDecoder) Decode(scan types.ScanKey, records [][]byte) (*Volume, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records: %w", errors.ErrDecodeFailed)
	}

	vol := &Volume{Scan: scan}
	if header, err := d.DecodeHeader(records[0]); err == nil {
		vol.VCP = header.VCP
	}

	for i, rec := range records {
		if _, err := decompressRecord(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return vol, nil
}

// decompressRecord strips the optional volume header and control word,
// then inflates the bzip2 stream.
func decompressRecord(data []byte) ([]byte, error) {
	if len(data) > volumeHeaderSize && bytes.HasPrefix(data, []byte(archiveMagic)) {
		data = data[volumeHeaderSize:]
	}
	idx := bytes.Index(data, []byte("BZh"))
	if idx < 0 || idx > 8 {
		return nil, fmt.Errorf("no compressed stream: %w", errors.ErrDecodeFailed)
	}
	data = data[idx:]

	payload, err := io.ReadAll(bzip2.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("decompressing record: %v: %w", err, errors.ErrDecodeFailed)
	}
	return payload, nil
}
