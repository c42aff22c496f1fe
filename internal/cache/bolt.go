package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltEntriesBucket = []byte("entries")
	boltIndexBucket   = []byte("fingerprints")
)

// boltStore is the embedded file-backed durable tier. Entries live in one
// bucket as JSON; a second bucket maps fingerprint|module|key to the entry
// key so similarity queries are a prefix cursor scan instead of a full walk.
type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database file and its buckets.
func NewBoltStore(path string) (DurableStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cache: bolt path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: bolt open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltEntriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltIndexBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: bolt init buckets: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(_ context.Context, key string) (Entry, bool, error) {
	var entry Entry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltEntriesBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			return fmt.Errorf("cache: bolt unmarshal %s: %w", key, err)
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

func (s *boltStore) Put(_ context.Context, key string, entry Entry) error {
	entry.Key = key
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: bolt marshal: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(boltEntriesBucket)
		index := tx.Bucket(boltIndexBucket)

		if prev := entries.Get([]byte(key)); prev != nil {
			var old Entry
			if err := json.Unmarshal(prev, &old); err == nil && old.Fingerprint != "" {
				if err := index.Delete(boltIndexKey(old.Fingerprint, old.Meta.Module, key)); err != nil {
					return err
				}
			}
		}
		if err := entries.Put([]byte(key), raw); err != nil {
			return err
		}
		if entry.Fingerprint != "" {
			return index.Put(boltIndexKey(entry.Fingerprint, entry.Meta.Module, key), []byte(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: bolt put %s: %w", key, err)
	}
	return nil
}

func (s *boltStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(boltEntriesBucket)
		raw := entries.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.Fingerprint != "" {
			if err := tx.Bucket(boltIndexBucket).Delete(boltIndexKey(entry.Fingerprint, entry.Meta.Module, key)); err != nil {
				return err
			}
		}
		return entries.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache: bolt delete %s: %w", key, err)
	}
	return nil
}

func (s *boltStore) Count(context.Context) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		count = int64(tx.Bucket(boltEntriesBucket).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache: bolt count: %w", err)
	}
	return count, nil
}

func (s *boltStore) QueryByFingerprint(_ context.Context, fingerprint, module string) ([]Entry, error) {
	if fingerprint == "" {
		return nil, nil
	}
	prefix := boltIndexKey(fingerprint, module, "")
	var matches []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		entries := tx.Bucket(boltEntriesBucket)
		cursor := tx.Bucket(boltIndexBucket).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			raw := entries.Get(v)
			if raw == nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(raw, &entry); err != nil {
				continue
			}
			matches = append(matches, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache: bolt query fingerprint: %w", err)
	}
	return matches, nil
}

func (s *boltStore) Close(context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("cache: bolt close: %w", err)
	}
	return nil
}

// boltIndexKey builds fingerprint|module|key with NUL separators so prefix
// scans over (fingerprint, module) never bleed into neighboring modules.
func boltIndexKey(fingerprint, module, key string) []byte {
	out := make([]byte, 0, len(fingerprint)+len(module)+len(key)+2)
	out = append(out, fingerprint...)
	out = append(out, 0)
	out = append(out, module...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}
