package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/xtxerr/radarcache/internal/cache/types"
)

// Index entry encoding (binary, little-endian).
//
// RecordMeta:
// - Version (1 byte)
// - RecordTime (8 bytes)
// - SizeBytes (8 bytes)
// - HasVCP (1 byte, bool)
// - StoredAt unix nanos (8 bytes)
//
// ScanMeta v2:
// - Version (1 byte)
// - HasVCP (1 byte, bool)
// - ExpectedRecords (4 bytes)
// - Present count (4 bytes) + Present IDs (4 bytes each)
// - FileName length (2 bytes) + FileName string
// - TotalSizeBytes (8 bytes)
// - FirstTime (8 bytes)
// - LastTime (8 bytes)
// - UpdatedAt unix nanos (8 bytes)
// - LastAccessAt unix nanos (8 bytes)
// - DecodeFailed (1 byte, bool)
//
// v1 scan entries predate LastAccessAt and DecodeFailed; they decode
// with LastAccessAt = UpdatedAt and re-encode as v2 on next write.

const (
	recordMetaVersion = 1
	scanMetaVersionV1 = 1
	scanMetaVersionV2 = 2
)

// encodeRecordMeta encodes a record index entry. The key is not encoded;
// it is the bucket key.
func encodeRecordMeta(m *types.RecordMeta) []byte {
	buf := make([]byte, 0, 26)
	buf = append(buf, recordMetaVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.RecordTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.SizeBytes))
	buf = appendBool(buf, m.HasVCP)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.StoredAt.UnixNano()))
	return buf
}

// decodeRecordMeta decodes a record index entry into m (key fields are
// left untouched).
func decodeRecordMeta(data []byte, m *types.RecordMeta) error {
	if len(data) < 1 {
		return fmt.Errorf("record meta: empty entry")
	}
	if data[0] != recordMetaVersion {
		return fmt.Errorf("record meta: unknown version %d", data[0])
	}
	if len(data) < 26 {
		return fmt.Errorf("record meta: data too short (%d bytes)", len(data))
	}
	m.RecordTime = types.UnixMillis(binary.LittleEndian.Uint64(data[1:]))
	m.SizeBytes = int64(binary.LittleEndian.Uint64(data[9:]))
	m.HasVCP = data[17] == 1
	m.StoredAt = nanosToTime(int64(binary.LittleEndian.Uint64(data[18:])))
	return nil
}

// encodeScanMeta encodes a scan index entry, always in the current
// version.
func encodeScanMeta(m *types.ScanMeta) []byte {
	buf := make([]byte, 0, 64+4*len(m.Present)+len(m.FileName))
	buf = append(buf, scanMetaVersionV2)
	buf = appendBool(buf, m.HasVCP)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.ExpectedRecords))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Present)))
	for _, id := range m.Present {
		buf = binary.LittleEndian.AppendUint32(buf, id)
	}
	buf = appendString(buf, m.FileName)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.TotalSizeBytes))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.FirstTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.LastTime))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.UpdatedAt.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.LastAccessAt.UnixNano()))
	buf = appendBool(buf, m.DecodeFailed)
	return buf
}

// decodeScanMeta decodes either entry version into m.
func decodeScanMeta(data []byte, m *types.ScanMeta) error {
	if len(data) < 1 {
		return fmt.Errorf("scan meta: empty entry")
	}
	version := data[0]
	if version != scanMetaVersionV1 && version != scanMetaVersionV2 {
		return fmt.Errorf("scan meta: unknown version %d", version)
	}
	offset := 1

	if offset+1 > len(data) {
		return fmt.Errorf("scan meta: data too short for vcp flag")
	}
	m.HasVCP = data[offset] == 1
	offset++

	if offset+8 > len(data) {
		return fmt.Errorf("scan meta: data too short for counts")
	}
	m.ExpectedRecords = int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	count := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if offset+4*count > len(data) {
		return fmt.Errorf("scan meta: data too short for %d record ids", count)
	}
	m.Present = make([]uint32, count)
	for i := 0; i < count; i++ {
		m.Present[i] = binary.LittleEndian.Uint32(data[offset:])
		offset += 4
	}

	var err error
	m.FileName, offset, err = readString(data, offset)
	if err != nil {
		return fmt.Errorf("scan meta file name: %w", err)
	}

	if offset+32 > len(data) {
		return fmt.Errorf("scan meta: data too short for times")
	}
	m.TotalSizeBytes = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	m.FirstTime = types.UnixMillis(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	m.LastTime = types.UnixMillis(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	m.UpdatedAt = nanosToTime(int64(binary.LittleEndian.Uint64(data[offset:])))
	offset += 8

	if version == scanMetaVersionV1 {
		m.LastAccessAt = m.UpdatedAt
		m.DecodeFailed = false
		return nil
	}

	if offset+9 > len(data) {
		return fmt.Errorf("scan meta: data too short for access time")
	}
	m.LastAccessAt = nanosToTime(int64(binary.LittleEndian.Uint64(data[offset:])))
	offset += 8
	m.DecodeFailed = data[offset] == 1
	return nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func nanosToTime(ns int64) time.Time {
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
