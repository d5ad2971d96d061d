// bolt_store.go implements an optional durable excursion ledger, so an
// operator can ask "why was the camera distrusted last Tuesday" after the
// process that observed it has exited. This is strictly supplementary to
// the in-memory ring buffer: the ring buffer remains authoritative and
// never touches disk, keeping Recorder's hot path free of I/O.
//
// Schema:
//
//	/excursions
//	    key:   fixed-width RFC 3339 UTC time with nanoseconds (recorded_at)
//	           + "_" + zero-padded sequence
//	    value: JSON-encoded ExcursionRecord
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package recorder

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/visionguard/visionguard/internal/trust"
)

const (
	boltSchemaVersion  = "1"
	bucketExcursions   = "excursions"
	bucketMeta         = "meta"
)

// ExcursionRecord is the persisted form of trust.ExcursionEvent. Cause
// histogram keys are serialized as decimal status codes since
// vision.Status doesn't implement json.Marshaler.
type ExcursionRecord struct {
	StartTimestamp float64            `json:"start_timestamp"`
	EndTimestamp   float64            `json:"end_timestamp"`
	MinReliability float64            `json:"min_reliability"`
	DominantCause  uint8              `json:"dominant_cause"`
	CauseHistogram map[uint8]float64  `json:"cause_histogram"`
	PeakAnomaly    float64            `json:"peak_anomaly"`
	RecordedAt     time.Time          `json:"recorded_at"`
}

// BoltStore is a durable, append-only excursion ledger backed by bbolt.
// Single-writer (bbolt itself disallows concurrent writers); callers
// should write from the same goroutine that calls Recorder.RecordExcursion.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the ledger database at path, creating
// its buckets and schema-version record if absent.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	s := &BoltStore{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketExcursions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			return meta.Put([]byte("schema_version"), []byte(boltSchemaVersion))
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ledgerKey builds a sortable key from a recorded-at time and sequence
// number: lexicographic sort equals chronological sort.
func ledgerKey(recordedAt time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s_%020d", recordedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), seq))
}

// Append durably records one closed excursion event.
func (s *BoltStore) Append(e trust.ExcursionEvent, seq uint64) error {
	rec := ExcursionRecord{
		StartTimestamp: e.StartTimestamp,
		EndTimestamp:   e.EndTimestamp,
		MinReliability: e.MinReliability,
		DominantCause:  uint8(e.DominantCause),
		PeakAnomaly:    e.PeakAnomaly,
		RecordedAt:     time.Now().UTC(),
		CauseHistogram: make(map[uint8]float64, len(e.CauseHistogram)),
	}
	for status, dwell := range e.CauseHistogram {
		rec.CauseHistogram[uint8(status)] = dwell
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("Append marshal: %w", err)
	}

	key := ledgerKey(rec.RecordedAt, seq)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketExcursions))
		return b.Put(key, data)
	})
}

// ReadAll returns every durably-recorded excursion in chronological order.
// For operational inspection; not called on the hot path.
func (s *BoltStore) ReadAll() ([]ExcursionRecord, error) {
	var out []ExcursionRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketExcursions))
		return b.ForEach(func(_, v []byte) error {
			var rec ExcursionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
