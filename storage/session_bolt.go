// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

var sessionBucketName = []byte("session")

// BoltSessionStore is the default ISessionStore, backing resume state with a
// single boltdb file and a single flat bucket keyed by the engine's
// "session:<hex>:{metadata|bitfield|progress|peers}" layout.
type BoltSessionStore struct {
	db *bolt.DB
}

// NewBoltSessionStore opens (creating if absent) a boltdb file at path.
func NewBoltSessionStore(path string) (*BoltSessionStore, error) {
	db, err := bolt.Open(path, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, fmt.Errorf("session database %q is locked by another process", path)
	} else if err != nil {
		return nil, fmt.Errorf("open session database: %s", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create session bucket: %s", err)
	}
	return &BoltSessionStore{db: db}, nil
}

// Get implements ISessionStore.
func (s *BoltSessionStore) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucketName).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// GetMulti implements ISessionStore.
func (s *BoltSessionStore) GetMulti(keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucketName)
		for _, k := range keys {
			v := b.Get([]byte(k))
			if v == nil {
				continue
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Set implements ISessionStore.
func (s *BoltSessionStore) Set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucketName).Put([]byte(key), value)
	})
}

// Delete implements ISessionStore.
func (s *BoltSessionStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucketName).Delete([]byte(key))
	})
}

// Keys implements ISessionStore, returning every key with the given prefix.
func (s *BoltSessionStore) Keys(prefix string) ([]string, error) {
	var keys []string
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionBucketName).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear implements ISessionStore, deleting every key.
func (s *BoltSessionStore) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(sessionBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(sessionBucketName)
		return err
	})
}

// Close releases the underlying boltdb file handle.
func (s *BoltSessionStore) Close() error {
	return s.db.Close()
}
