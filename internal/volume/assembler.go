package volume

import (
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/logging"
)

var log = logging.Component("assembler")

// IncompleteError reports a scan that cannot be assembled at all: no
// records are stored, or nothing usable has arrived yet.
type IncompleteError struct {
	Scan            types.ScanKey
	Missing         []uint32
	ExpectedUnknown bool
}

func (e *IncompleteError) Error() string {
	if e.ExpectedUnknown {
		return fmt.Sprintf("scan %s: %v", e.Scan, errors.ErrIncomplete)
	}
	return fmt.Sprintf("scan %s: %d records missing: %v", e.Scan, len(e.Missing), errors.ErrIncomplete)
}

func (e *IncompleteError) Unwrap() error { return errors.ErrIncomplete }

// DecodeFailedError reports a scan whose stored bytes do not decode.
type DecodeFailedError struct {
	Scan  types.ScanKey
	Cause error
}

func (e *DecodeFailedError) Error() string {
	return fmt.Sprintf("scan %s: %v: %v", e.Scan, e.Cause, errors.ErrDecodeFailed)
}

func (e *DecodeFailedError) Unwrap() error { return errors.ErrDecodeFailed }

// RecordStore is the store surface assembly reads from and annotates.
// *store.Store satisfies it.
type RecordStore interface {
	GetScanMeta(scan types.ScanKey) (types.ScanMeta, error)
	ForEachRecord(scan types.ScanKey, fn func(id uint32, data []byte) error) error
	MarkDecodeFailed(scan types.ScanKey) error
	Touch(scan types.ScanKey) error
}

// Assembler builds volumes from stored records. Assembly is best
// effort: a scan with a known VCP but missing records still yields a
// volume, flagged Partial with the missing IDs listed. Concurrent
// requests for the same scan are collapsed into one decode.
type Assembler struct {
	store   RecordStore
	decoder Decoder
	ring    *Ring
	group   singleflight.Group
}

// NewAssembler creates an assembler feeding the given ring.
func NewAssembler(s RecordStore, d Decoder, ring *Ring) *Assembler {
	return &Assembler{store: s, decoder: d, ring: ring}
}

// Assemble returns the volume for a scan, from the ring when resident,
// otherwise decoding the stored records.
//
// Errors follow the scan's state: Missing scans and scans without a
// usable record set return IncompleteError; undecodable bytes return
// DecodeFailedError and flag the scan so the failure is not retried.
func (a *Assembler) Assemble(scan types.ScanKey) (*Volume, error) {
	if v := a.ring.Get(scan); v != nil {
		if err := a.store.Touch(scan); err != nil {
			log.Warn("touch failed", "scan", scan, "error", err)
		}
		return v, nil
	}

	v, err, _ := a.group.Do(scan.StorageKey(), func() (interface{}, error) {
		return a.assemble(scan)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Volume), nil
}

func (a *Assembler) assemble(scan types.ScanKey) (*Volume, error) {
	meta, err := a.store.GetScanMeta(scan)
	if err != nil {
		return nil, err
	}

	switch meta.Completeness() {
	case types.CompletenessMissing:
		return nil, &IncompleteError{
			Scan:            scan,
			Missing:         meta.MissingRecords(),
			ExpectedUnknown: !meta.HasVCP,
		}
	case types.CompletenessPartialNoVCP:
		// Without record 0 there is no header to decode against.
		if !meta.HasRecord(0) {
			return nil, &IncompleteError{Scan: scan, ExpectedUnknown: true}
		}
	}

	if meta.DecodeFailed {
		return nil, &DecodeFailedError{Scan: scan, Cause: errors.New("previously failed to decode")}
	}

	records := make([][]byte, 0, len(meta.Present))
	err = a.store.ForEachRecord(scan, func(id uint32, data []byte) error {
		records = append(records, append([]byte(nil), data...))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		// The scan was evicted between the index read and the record
		// read. Report it missing, not decode-failed; every expected
		// record is gone.
		gone := types.ScanMeta{Key: scan, HasVCP: meta.HasVCP, ExpectedRecords: meta.ExpectedRecords}
		return nil, &IncompleteError{
			Scan:            scan,
			Missing:         gone.MissingRecords(),
			ExpectedUnknown: !meta.HasVCP,
		}
	}

	vol, err := a.decoder.Decode(scan, records)
	if err != nil {
		if markErr := a.store.MarkDecodeFailed(scan); markErr != nil {
			log.Warn("marking decode failure failed", "scan", scan, "error", markErr)
		}
		log.Warn("volume decode failed", "scan", scan, "records", len(records), "error", err)
		return nil, &DecodeFailedError{Scan: scan, Cause: err}
	}

	vol.Scan = scan
	vol.RecordCount = len(records)
	if missing := meta.MissingRecords(); len(missing) > 0 {
		vol.Partial = true
		vol.MissingRecords = missing
	} else if meta.Completeness() != types.CompletenessComplete {
		vol.Partial = true
	}

	a.ring.Insert(vol)
	if err := a.store.Touch(scan); err != nil {
		log.Warn("touch failed", "scan", scan, "error", err)
	}

	log.Debug("volume assembled",
		"scan", scan, "records", vol.RecordCount, "partial", vol.Partial)
	return vol, nil
}
