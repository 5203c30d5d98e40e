// Package boltfallback keeps pending uploads in a local bbolt file while the
// primary database is unreachable.
package boltfallback

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"courier/cmd/internal/files"
)

var (
	// pendingBucket is keyed by queueKey, so a cursor walks it oldest first.
	pendingBucket = []byte("pending")
	// indexBucket maps a file id to its key in pendingBucket.
	indexBucket    = []byte("pending_index")
	rejectedBucket = []byte("rejected")
	// corruptBucket holds undecodable pending values verbatim, keyed by id.
	corruptBucket = []byte("corrupt")
)

// Store implements files.Fallback on bbolt.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger
}

var _ files.Fallback = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report quarantined records.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New wraps an open database and creates the buckets.
func New(db *bbolt.DB, opts ...Option) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{pendingBucket, indexBucket, rejectedBucket, corruptBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boltfallback: init buckets: %w", err)
	}
	s := &Store{db: db, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open opens (or creates) the database file at path.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("boltfallback: create dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltfallback: open %s: %w", path, err)
	}
	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Name() string { return "bolt" }

// queueKey is the big-endian StoredAt in nanoseconds followed by the id.
func queueKey(storedAt time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(storedAt.UTC().UnixNano()))
	return append(k, id...)
}

func (s *Store) Put(_ context.Context, p files.Pending) error {
	p.State = files.StatePendingImport
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	id := []byte(p.Envelope.ID)
	key := queueKey(p.StoredAt, p.Envelope.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		pending, index := tx.Bucket(pendingBucket), tx.Bucket(indexBucket)
		if old := index.Get(id); old != nil && !bytes.Equal(old, key) {
			if err := pending.Delete(old); err != nil {
				return err
			}
		}
		if err := pending.Put(key, data); err != nil {
			return err
		}
		return index.Put(id, key)
	})
}

// List decodes at most limit records, walking the queue oldest first.
// Records that fail to decode are moved to the corrupt bucket and skipped.
func (s *Store) List(_ context.Context, limit int) ([]files.Pending, error) {
	var (
		out     []files.Pending
		corrupt [][]byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var p files.Pending
			if err := json.Unmarshal(v, &p); err != nil {
				corrupt = append(corrupt, bytes.Clone(k))
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		if err := s.quarantine(corrupt); err != nil {
			s.log.Error("fallback.bolt.quarantine_failed", "records", len(corrupt), "err", err)
		}
	}
	return out, nil
}

func (s *Store) quarantine(keys [][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		pending, index, bad := tx.Bucket(pendingBucket), tx.Bucket(indexBucket), tx.Bucket(corruptBucket)
		for _, k := range keys {
			v := pending.Get(k)
			if v == nil {
				continue
			}
			id := k[8:]
			if err := bad.Put(id, bytes.Clone(v)); err != nil {
				return err
			}
			if err := pending.Delete(k); err != nil {
				return err
			}
			if err := index.Delete(id); err != nil {
				return err
			}
			s.log.Warn("fallback.bolt.quarantined", "file_id", string(id), "bytes", len(v))
		}
		return nil
	})
}

// take removes id from the queue and returns its stored value.
func take(tx *bbolt.Tx, id string) ([]byte, error) {
	pending, index := tx.Bucket(pendingBucket), tx.Bucket(indexBucket)
	key := index.Get([]byte(id))
	if key == nil {
		return nil, fmt.Errorf("%s: %w", id, files.ErrPendingNotFound)
	}
	key = bytes.Clone(key)
	v := bytes.Clone(pending.Get(key))
	if err := pending.Delete(key); err != nil {
		return nil, err
	}
	if err := index.Delete([]byte(id)); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%s: %w", id, files.ErrPendingNotFound)
	}
	return v, nil
}

func (s *Store) Remove(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := take(tx, id)
		return err
	})
}

// Reject moves the record to the rejected bucket. The payload is kept so an
// operator can still recover it.
func (s *Store) Reject(_ context.Context, id, reason string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		v, err := take(tx, id)
		if err != nil {
			return err
		}
		var p files.Pending
		if err := json.Unmarshal(v, &p); err != nil {
			return tx.Bucket(corruptBucket).Put([]byte(id), v)
		}
		p.State, p.Reason = files.StateRejected, reason
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return tx.Bucket(rejectedBucket).Put([]byte(id), data)
	})
}

func (s *Store) Count(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(indexBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Corrupt returns the ids of quarantined records.
func (s *Store) Corrupt() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(corruptBucket).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

// Rejected returns the rejected records whose id starts with prefix.
func (s *Store) Rejected(prefix string) ([]files.Pending, error) {
	var out []files.Pending
	p := []byte(prefix)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(rejectedBucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var rec files.Pending
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
