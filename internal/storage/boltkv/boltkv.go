// Copyright 2025 Meridian Mesh Authors
//
// Package boltkv is a thin embedded key-value wrapper over bbolt, shared by
// the handshake nonce replay window and the offline buffer queue. Both need
// a durable, single-process store that survives a restart without a
// database server.
package boltkv

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// DB wraps a single bbolt database file.
type DB struct {
	bolt *bbolt.DB
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltkv: open %s: %w", path, err)
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error {
	return d.bolt.Close()
}

// EnsureBucket creates bucket if it does not already exist.
func (d *DB) EnsureBucket(bucket string) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

// Put writes key=value into bucket.
func (d *DB) Put(bucket, key string, value []byte) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("boltkv: bucket %q does not exist", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// Get reads key from bucket. ok is false if the key is absent.
func (d *DB) Get(bucket, key string) (value []byte, ok bool, err error) {
	err = d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("boltkv: bucket %q does not exist", bucket)
		}
		v := b.Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	return value, ok, err
}

// Delete removes key from bucket, if present.
func (d *DB) Delete(bucket, key string) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket in key order. Returning
// an error from fn stops iteration and propagates the error.
func (d *DB) ForEach(bucket string, fn func(key, value []byte) error) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Count returns the number of keys in bucket.
func (d *DB) Count(bucket string) (int, error) {
	n := 0
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
