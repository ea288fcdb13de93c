package engine

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/boltdb/bolt"
	"github.com/getlantern/errors"
	"github.com/getlantern/msgpack"
	"github.com/getlantern/regiondb/common"
	"github.com/getlantern/regiondb/core"
)

// store holds the rows of a single partition (or of a whole non-partitioned
// table).
type store interface {
	scan(ctx context.Context, onRow core.OnRow) (bool, error)

	insert(rows []core.Row) error

	update(fn func(core.Row) (core.Row, bool)) (int, error)

	delete(match func(core.Row) bool) (int, error)
}

type memStore struct {
	rows []core.Row
	mx   sync.RWMutex
}

func newMemStore() store {
	return &memStore{}
}

func (s *memStore) scan(ctx context.Context, onRow core.OnRow) (bool, error) {
	s.mx.RLock()
	rows := s.rows
	s.mx.RUnlock()
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		more, err := onRow(row.Clone())
		if !more || err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *memStore) insert(rows []core.Row) error {
	s.mx.Lock()
	for _, row := range rows {
		s.rows = append(s.rows, normalizeRow(row))
	}
	s.mx.Unlock()
	return nil
}

func (s *memStore) update(fn func(core.Row) (core.Row, bool)) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	// copy on write so that concurrent scans keep seeing a consistent slice
	rows := make([]core.Row, len(s.rows))
	count := 0
	for i, row := range s.rows {
		updated, ok := fn(row)
		if ok {
			rows[i] = normalizeRow(updated)
			count++
		} else {
			rows[i] = row
		}
	}
	s.rows = rows
	return count, nil
}

func (s *memStore) delete(match func(core.Row) bool) (int, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	rows := make([]core.Row, 0, len(s.rows))
	for _, row := range s.rows {
		if !match(row) {
			rows = append(rows, row)
		}
	}
	count := len(s.rows) - len(rows)
	s.rows = rows
	return count, nil
}

// boltStore keeps rows in a bolt bucket keyed by insertion sequence, so scans
// return rows in insertion order.
type boltStore struct {
	db     *bolt.DB
	bucket []byte
}

func newBoltStore(db *bolt.DB, bucket string) (store, error) {
	s := &boltStore{db: db, bucket: []byte(bucket)}
	err := db.Update(func(tx *bolt.Tx) error {
		_, bucketErr := tx.CreateBucketIfNotExists(s.bucket)
		return bucketErr
	})
	if err != nil {
		return nil, errors.New("Unable to initialize bucket %v: %v", bucket, err)
	}
	return s, nil
}

func (s *boltStore) scan(ctx context.Context, onRow core.OnRow) (bool, error) {
	more := true
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			var onRowErr error
			more, onRowErr = onRow(row)
			if !more || onRowErr != nil {
				return onRowErr
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return more, nil
}

func (s *boltStore) insert(rows []core.Row) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, row := range rows {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			v, err := encodeRow(row)
			if err != nil {
				return err
			}
			err = b.Put(sequenceKey(seq), v)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) update(fn func(core.Row) (core.Row, bool)) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			updated, ok := fn(row)
			if !ok {
				return nil
			}
			encoded, err := encodeRow(updated)
			if err != nil {
				return err
			}
			updates[string(k)] = encoded
			return nil
		})
		if err != nil {
			return err
		}
		// bolt doesn't allow modifying a bucket during ForEach
		for k, v := range updates {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		count = len(updates)
		return nil
	})
	return count, err
}

func (s *boltStore) delete(match func(core.Row) bool) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			if match(row) {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		count = len(keys)
		return nil
	})
	return count, err
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func encodeRow(row core.Row) ([]byte, error) {
	b, err := msgpack.Marshal(map[string]interface{}(row))
	if err != nil {
		return nil, errors.New("Unable to encode row: %v", err)
	}
	return b, nil
}

func decodeRow(b []byte) (core.Row, error) {
	var row map[string]interface{}
	err := msgpack.Unmarshal(b, &row)
	if err != nil {
		return nil, errors.New("Unable to decode row: %v", err)
	}
	return normalizeRow(row), nil
}

func normalizeRow(row core.Row) core.Row {
	result := make(core.Row, len(row))
	for k, v := range row {
		result[k] = common.Normalize(v)
	}
	return result
}
