// Package store persists radar records and their index in a single
// embedded bbolt database.
//
// Layout:
//
//	records      RecordKey.StorageKey() -> raw record bytes
//	record_index RecordKey.StorageKey() -> encoded RecordMeta
//	scan_index   ScanKey.StorageKey()   -> encoded ScanMeta
//	meta         counters (total_size)
//
// Every record put updates the blob, its index entry, the owning scan's
// index entry, and the size counter in one write transaction, so readers
// never observe a record without its index entry or vice versa.
package store

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xtxerr/radarcache/internal/cache/types"
	"github.com/xtxerr/radarcache/internal/errors"
	"github.com/xtxerr/radarcache/internal/logging"
)

var log = logging.Component("store")

var (
	bucketRecords     = []byte("records")
	bucketRecordIndex = []byte("record_index")
	bucketScanIndex   = []byte("scan_index")
	bucketMeta        = []byte("meta")

	keyTotalSize     = []byte("total_size")
	keySchemaVersion = []byte("schema_version")
)

// schemaVersion is the current database layout version. Entries carry
// their own version byte; this records what the writer produces.
const schemaVersion = 2

// Store is the record database. Safe for concurrent use; bbolt
// serializes writers and lets readers run concurrently.
type Store struct {
	db     *bolt.DB
	path   string
	closed atomic.Bool
}

// PutResult reports the outcome of a record put.
type PutResult struct {
	// Inserted is false when the record was already stored and the put
	// was a no-op.
	Inserted bool

	// Meta is the owning scan's index entry after the put.
	Meta types.ScanMeta
}

// Open opens (creating if necessary) the record database at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	path := filepath.Join(dir, "records.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening record database %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketRecordIndex, bucketScanIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte{schemaVersion})
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing record database")
	}

	log.Info("record store opened", "path", path)
	return &Store{db: db, path: path}, nil
}

// Close closes the database. Further calls return ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) check() error {
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}
	return nil
}

// PutRecord stores one record and updates the owning scan's index entry
// in the same transaction. Storing an already-present record is a no-op
// that still returns the current scan meta, so retried downloads and
// overlapping archive/realtime ingestion converge to the same state.
func (s *Store) PutRecord(key types.RecordKey, data []byte, recordTime types.UnixMillis, hasVCP bool) (PutResult, error) {
	if err := s.check(); err != nil {
		return PutResult{}, err
	}
	if key.Scan.Site == "" {
		return PutResult{}, errors.Wrapf(errors.ErrInvalidKey, "record key %+v", key)
	}

	var result PutResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		recKey := []byte(key.StorageKey())
		records := tx.Bucket(bucketRecords)
		scans := tx.Bucket(bucketScanIndex)
		scanKey := []byte(key.Scan.StorageKey())

		meta := types.ScanMeta{Key: key.Scan}
		if raw := scans.Get(scanKey); raw != nil {
			if err := decodeScanMeta(raw, &meta); err != nil {
				return errors.Wrapf(err, "scan %s", key.Scan.StorageKey())
			}
		}

		if records.Get(recKey) != nil {
			result = PutResult{Inserted: false, Meta: meta}
			return nil
		}

		now := time.Now().UTC()
		if err := records.Put(recKey, data); err != nil {
			return err
		}
		rm := types.RecordMeta{
			Key:        key,
			RecordTime: recordTime,
			SizeBytes:  int64(len(data)),
			HasVCP:     hasVCP,
			StoredAt:   now,
		}
		if err := tx.Bucket(bucketRecordIndex).Put(recKey, encodeRecordMeta(&rm)); err != nil {
			return err
		}

		meta.AddRecord(key.RecordID)
		meta.TotalSizeBytes += int64(len(data))
		if hasVCP && key.RecordID == 0 {
			meta.HasVCP = true
		}
		if recordTime > 0 {
			if meta.FirstTime == 0 || recordTime < meta.FirstTime {
				meta.FirstTime = recordTime
			}
			if recordTime > meta.LastTime {
				meta.LastTime = recordTime
			}
		}
		meta.UpdatedAt = now
		if meta.LastAccessAt.IsZero() {
			meta.LastAccessAt = now
		}
		if err := scans.Put(scanKey, encodeScanMeta(&meta)); err != nil {
			return err
		}

		if err := addTotalSize(tx, int64(len(data))); err != nil {
			return err
		}

		result = PutResult{Inserted: true, Meta: meta}
		return nil
	})
	if err != nil {
		return PutResult{}, err
	}
	return result, nil
}

// GetRecord returns the raw bytes of one record.
func (s *Store) GetRecord(key types.RecordKey) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get([]byte(key.StorageKey()))
		if v == nil {
			return errors.NewNotFound("record", key.StorageKey())
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// HasRecord reports whether the record is stored.
func (s *Store) HasRecord(key types.RecordKey) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(key.StorageKey())) != nil
		return nil
	})
	return found, err
}

// ForEachRecord visits every stored record of a scan in record ID order,
// all within one read transaction. The data slice is only valid for the
// duration of the callback.
func (s *Store) ForEachRecord(scan types.ScanKey, fn func(id uint32, data []byte) error) error {
	if err := s.check(); err != nil {
		return err
	}

	return s.db.View(func(tx *bolt.Tx) error {
		meta := types.ScanMeta{Key: scan}
		if raw := tx.Bucket(bucketScanIndex).Get([]byte(scan.StorageKey())); raw != nil {
			if err := decodeScanMeta(raw, &meta); err != nil {
				return errors.Wrapf(err, "scan %s", scan.StorageKey())
			}
		}
		records := tx.Bucket(bucketRecords)
		for _, id := range meta.Present {
			key := types.RecordKey{Scan: scan, RecordID: id}
			v := records.Get([]byte(key.StorageKey()))
			if v == nil {
				return errors.NewNotFound("record", key.StorageKey())
			}
			if err := fn(id, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRecordMeta returns the index entries for every stored record of a
// scan, sorted by record ID.
func (s *Store) ListRecordMeta(scan types.ScanKey) ([]types.RecordMeta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	prefix := []byte(scan.StorageKey() + types.KeySeparator)
	var metas []types.RecordMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecordIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			key, err := types.ParseRecordKey(string(k))
			if err != nil {
				return err
			}
			m := types.RecordMeta{Key: key}
			if err := decodeRecordMeta(v, &m); err != nil {
				return errors.Wrapf(err, "record %s", string(k))
			}
			metas = append(metas, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Key.RecordID < metas[j].Key.RecordID })
	return metas, nil
}

// GetScanMeta returns the scan's index entry. A scan with no stored
// records returns a zero entry (completeness Missing), not an error.
func (s *Store) GetScanMeta(scan types.ScanKey) (types.ScanMeta, error) {
	meta := types.ScanMeta{Key: scan}
	if err := s.check(); err != nil {
		return meta, err
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketScanIndex).Get([]byte(scan.StorageKey()))
		if raw == nil {
			return nil
		}
		return decodeScanMeta(raw, &meta)
	})
	return meta, err
}

// QueryScanRange returns the index entries of all scans for a site whose
// start time falls within the range, ordered by start time.
func (s *Store) QueryScanRange(site types.SiteID, rng types.TimeRange) ([]types.ScanMeta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	prefix := []byte(string(site) + types.KeySeparator)
	var metas []types.ScanMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScanIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			key, err := types.ParseScanKey(string(k))
			if err != nil {
				return err
			}
			if !rng.Contains(key.ScanStart) {
				continue
			}
			m := types.ScanMeta{Key: key}
			if err := decodeScanMeta(v, &m); err != nil {
				return errors.Wrapf(err, "scan %s", string(k))
			}
			metas = append(metas, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].Key.ScanStart < metas[j].Key.ScanStart })
	return metas, nil
}

// AvailabilityRanges merges the time ranges of all cached scans for a
// site within rng, coalescing gaps up to gapMs.
func (s *Store) AvailabilityRanges(site types.SiteID, rng types.TimeRange, gapMs int64) ([]types.TimeRange, error) {
	metas, err := s.QueryScanRange(site, rng)
	if err != nil {
		return nil, err
	}
	ranges := make([]types.TimeRange, 0, len(metas))
	for i := range metas {
		ranges = append(ranges, metas[i].TimeRange())
	}
	return types.MergeTimeRanges(ranges, gapMs), nil
}

// SetExpectedRecords records the expected record count once record 0 has
// yielded a VCP. The count only moves forward; a later put cannot reset
// a known count back to unknown.
func (s *Store) SetExpectedRecords(scan types.ScanKey, expected int) error {
	return s.updateScanMeta(scan, func(m *types.ScanMeta) {
		m.HasVCP = true
		if expected > m.ExpectedRecords {
			m.ExpectedRecords = expected
		}
	})
}

// SetFileName records the archive object the scan's records came from.
func (s *Store) SetFileName(scan types.ScanKey, name string) error {
	return s.updateScanMeta(scan, func(m *types.ScanMeta) {
		m.FileName = name
	})
}

// MarkDecodeFailed flags a scan whose assembled bytes could not be
// decoded. The flag is sticky until the scan is evicted.
func (s *Store) MarkDecodeFailed(scan types.ScanKey) error {
	return s.updateScanMeta(scan, func(m *types.ScanMeta) {
		m.DecodeFailed = true
	})
}

// Touch bumps the scan's last access time for LRU ordering.
func (s *Store) Touch(scan types.ScanKey) error {
	now := time.Now().UTC()
	return s.updateScanMeta(scan, func(m *types.ScanMeta) {
		m.LastAccessAt = now
	})
}

// updateScanMeta rewrites an existing scan index entry. A scan has an
// entry only while records are stored; updating an absent scan is a
// no-op, so a metadata write racing an eviction cannot resurrect the
// deleted entry.
func (s *Store) updateScanMeta(scan types.ScanKey, mutate func(*types.ScanMeta)) error {
	if err := s.check(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		scans := tx.Bucket(bucketScanIndex)
		key := []byte(scan.StorageKey())
		raw := scans.Get(key)
		if raw == nil {
			return nil
		}
		meta := types.ScanMeta{Key: scan}
		if err := decodeScanMeta(raw, &meta); err != nil {
			return errors.Wrapf(err, "scan %s", scan.StorageKey())
		}
		mutate(&meta)
		meta.UpdatedAt = time.Now().UTC()
		return scans.Put(key, encodeScanMeta(&meta))
	})
}

// ScansByLastAccess returns every scan's index entry across all sites,
// least recently accessed first. Used by eviction.
func (s *Store) ScansByLastAccess() ([]types.ScanMeta, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var metas []types.ScanMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketScanIndex).ForEach(func(k, v []byte) error {
			key, err := types.ParseScanKey(string(k))
			if err != nil {
				return err
			}
			m := types.ScanMeta{Key: key}
			if err := decodeScanMeta(v, &m); err != nil {
				return errors.Wrapf(err, "scan %s", string(k))
			}
			metas = append(metas, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].LastAccessAt.Before(metas[j].LastAccessAt) })
	return metas, nil
}

// DeleteScan removes a whole scan atomically: every record blob, every
// record index entry, and the scan index entry go in one transaction.
// Returns how many records and bytes were removed.
func (s *Store) DeleteScan(scan types.ScanKey) (records int, bytesFreed int64, err error) {
	if err := s.check(); err != nil {
		return 0, 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		prefix := []byte(scan.StorageKey() + types.KeySeparator)
		recs := tx.Bucket(bucketRecords)
		idx := tx.Bucket(bucketRecordIndex)

		c := recs.Cursor()
		var keys [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
			bytesFreed += int64(len(v))
		}
		for _, k := range keys {
			if err := recs.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		records = len(keys)

		if err := tx.Bucket(bucketScanIndex).Delete([]byte(scan.StorageKey())); err != nil {
			return err
		}
		return addTotalSize(tx, -bytesFreed)
	})
	if err != nil {
		return 0, 0, err
	}
	return records, bytesFreed, nil
}

// TotalSize returns the total bytes of stored record blobs.
func (s *Store) TotalSize() (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyTotalSize); v != nil {
			total = int64(binary.LittleEndian.Uint64(v))
		}
		return nil
	})
	return total, err
}

// ScanCount returns the number of indexed scans.
func (s *Store) ScanCount() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketScanIndex).Stats().KeyN
		return nil
	})
	return count, err
}

// Clear removes every record and index entry. The shell's way to reset
// a workspace without deleting the database file.
func (s *Store) Clear() error {
	if err := s.check(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketRecordIndex, bucketScanIndex} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		buf := make([]byte, 8)
		return tx.Bucket(bucketMeta).Put(keyTotalSize, buf)
	})
}

func addTotalSize(tx *bolt.Tx, delta int64) error {
	meta := tx.Bucket(bucketMeta)
	var total int64
	if v := meta.Get(keyTotalSize); v != nil {
		total = int64(binary.LittleEndian.Uint64(v))
	}
	total += delta
	if total < 0 {
		total = 0
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(total))
	return meta.Put(keyTotalSize, buf)
}
