// Package changelog implements the append-only mutation log. Each
// segment is a bbolt bucket keyed by big-endian record id, following a
// bucket-per-entity BoltStore convention, with one additional "meta"
// bucket tracking
// per-segment sealed/record_count/data_size so Store.Open/Create/Seal
// don't need a full bucket scan.
package changelog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Open when the segment does not exist.
var ErrNotFound = errors.New("changelog: segment not found")

// ErrSegmentExists is returned by Create when the segment already exists.
var ErrSegmentExists = errors.New("changelog: segment already exists")

// ErrSealed is returned by Append when the segment has been sealed.
var ErrSealed = errors.New("changelog: segment is sealed")

// Record is one logged mutation entry. RecordID is monotonically
// increasing within a segment and assigned by the caller (the leader
// committer), not by the store.
type Record struct {
	RecordID uint64
	Payload  []byte
}

type segmentMeta struct {
	Sealed      bool  `json:"sealed"`
	RecordCount int64 `json:"record_count"`
	DataSize    int64 `json:"data_size"`
}

// Store is the bbolt-backed changelog store. One *Store instance serves
// all segments for one cell peer.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
	// segMu serializes Append calls per segment, matching the store's
	// "concurrent appends on the same segment are serialized" contract.
	segMu map[uint64]*sync.Mutex
}

var metaBucket = []byte("meta")

// Open opens (or creates) the bbolt database backing all changelog
// segments for one peer under dataDir/changelog.db.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "changelog.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("changelog: open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, segMu: make(map[uint64]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func segmentBucketName(id uint64) []byte {
	return []byte(fmt.Sprintf("segment-%d", id))
}

func (s *Store) lockFor(segmentID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.segMu[segmentID]
	if !ok {
		l = &sync.Mutex{}
		s.segMu[segmentID] = l
	}
	return l
}

func (s *Store) readMeta(segmentID uint64) (segmentMeta, bool, error) {
	var meta segmentMeta
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		data := b.Get(segmentKey(segmentID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &meta)
	})
	return meta, found, err
}

func (s *Store) writeMeta(tx *bolt.Tx, segmentID uint64, meta segmentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return tx.Bucket(metaBucket).Put(segmentKey(segmentID), data)
}

func segmentKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func recordKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// Create creates a new, empty, unsealed segment. It fails with
// ErrSegmentExists if the segment bucket is already present.
func (s *Store) Create(segmentID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		name := segmentBucketName(segmentID)
		if tx.Bucket(name) != nil {
			return ErrSegmentExists
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return err
		}
		return s.writeMeta(tx, segmentID, segmentMeta{})
	})
}

// Open checks that a segment exists, returning ErrNotFound otherwise. The
// store has no separate read/write handle concept: append/read operate
// directly against the segment id once it is known to exist.
func (s *Store) Open(segmentID uint64) error {
	_, found, err := s.readMeta(segmentID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// Append durably appends records to segment, in order, in a single
// transaction. Concurrent Append calls on the same segment are
// serialized by segMu.
func (s *Store) Append(segmentID uint64, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	lock := s.lockFor(segmentID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentBucketName(segmentID))
		if b == nil {
			return ErrNotFound
		}

		meta, found, err := s.readMetaTx(tx, segmentID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		if meta.Sealed {
			return ErrSealed
		}

		var added int64
		for _, r := range records {
			if err := b.Put(recordKey(r.RecordID), r.Payload); err != nil {
				return err
			}
			added++
			meta.DataSize += int64(len(r.Payload))
		}
		meta.RecordCount += added

		return s.writeMeta(tx, segmentID, meta)
	})
}

func (s *Store) readMetaTx(tx *bolt.Tx, segmentID uint64) (segmentMeta, bool, error) {
	var meta segmentMeta
	data := tx.Bucket(metaBucket).Get(segmentKey(segmentID))
	if data == nil {
		return meta, false, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false, err
	}
	return meta, true, nil
}

// Read returns a contiguous slice of records starting at startID, up to
// maxRecords entries, stopping early at the first gap.
func (s *Store) Read(segmentID uint64, startID uint64, maxRecords int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentBucketName(segmentID))
		if b == nil {
			return ErrNotFound
		}

		for i := 0; i < maxRecords; i++ {
			id := startID + uint64(i)
			data := b.Get(recordKey(id))
			if data == nil {
				break
			}
			payload := make([]byte, len(data))
			copy(payload, data)
			out = append(out, Record{RecordID: id, Payload: payload})
		}
		return nil
	})
	return out, err
}

// Seal truncates the segment's tail beyond upToRecordID (inclusive) and
// marks it immutable. Used by recovery only.
func (s *Store) Seal(segmentID uint64, upToRecordID uint64) error {
	lock := s.lockFor(segmentID)
	lock.Lock()
	defer lock.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(segmentBucketName(segmentID))
		if b == nil {
			return ErrNotFound
		}

		meta, found, err := s.readMetaTx(tx, segmentID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}

		c := b.Cursor()
		var kept int64
		var size int64
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id := binary.BigEndian.Uint64(k)
			if id > upToRecordID {
				if err := b.Delete(k); err != nil {
					return err
				}
				continue
			}
			kept++
			size += int64(len(v))
		}

		meta.Sealed = true
		meta.RecordCount = kept
		meta.DataSize = size
		return s.writeMeta(tx, segmentID, meta)
	})
}

// RecordCount returns the current record count of segmentID, for metrics.
func (s *Store) RecordCount(segmentID uint64) (int64, error) {
	meta, found, err := s.readMeta(segmentID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	return meta.RecordCount, nil
}

// IsSealed reports whether segmentID has been sealed.
func (s *Store) IsSealed(segmentID uint64) (bool, error) {
	meta, found, err := s.readMeta(segmentID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotFound
	}
	return meta.Sealed, nil
}

// ErrNoCA is returned by GetCA before any CA material has been saved.
var ErrNoCA = errors.New("changelog: no CA material stored")

// caBucket carries the cluster CA blob alongside the log segments: one
// bolt database per peer holds both, the single-data-file convention
// the rest of this store follows.
var (
	caBucket = []byte("ca")
	caKey    = []byte("root")
)

// SaveCA persists the serialized cluster CA material, replacing any
// previous version.
func (s *Store) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(caBucket)
		if err != nil {
			return err
		}
		return b.Put(caKey, data)
	})
}

// GetCA loads the serialized cluster CA material.
func (s *Store) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(caBucket)
		if b == nil {
			return ErrNoCA
		}
		v := b.Get(caKey)
		if v == nil {
			return ErrNoCA
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
