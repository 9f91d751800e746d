// Package boltstore is a small generic helper over go.etcd.io/bbolt for the
// bucket-per-entity, JSON-marshaled-value pattern the domain stores share:
// quarantine records, fingerprints, campaigns, and messages all persist this
// way, following the same open-with-timeout / CreateBucketIfNotExists /
// json.Marshal-into-bucket-value shape the Telegram peer cache used.
package boltstore

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"tgfleet/internal/infra/storage"
)

const openTimeout = time.Second

// DB wraps a *bbolt.DB opened with the fleet's standard options.
type DB struct {
	bolt *bbolt.DB
}

// Open creates parent directories if needed and opens (or creates) the bbolt
// file at path with owner-only permissions.
func Open(path string) (*DB, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	b, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	return &DB{bolt: b}, nil
}

// Close closes the underlying database file.
func (d *DB) Close() error {
	if d == nil || d.bolt == nil {
		return nil
	}
	return d.bolt.Close()
}

// PutJSON marshals value and stores it under key in bucket, creating the
// bucket if it does not yet exist.
func (d *DB) PutJSON(bucket, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("boltstore: marshal %s/%s: %w", bucket, key, err)
	}
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), payload)
	})
}

// GetJSON loads the value under key in bucket into dest. ok is false if the
// bucket or key does not exist.
func (d *DB) GetJSON(bucket, key string, dest any) (ok bool, err error) {
	var raw []byte
	err = d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		raw = append(raw, v...)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("boltstore: get %s/%s: %w", bucket, key, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("boltstore: decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

// Delete removes key from bucket. It is not an error for the key or bucket
// not to exist.
func (d *DB) Delete(bucket, key string) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEachJSON iterates every key/value in bucket, decoding each value into a
// fresh T and invoking fn. Iteration stops early if fn returns an error.
func ForEachJSON[T any](d *DB, bucket string, fn func(key string, item T) error) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("boltstore: decode %s/%s: %w", bucket, string(k), err)
			}
			return fn(string(k), item)
		})
	})
}
