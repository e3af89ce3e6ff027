package servicemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var stateBucket = []byte("state")

// StateEntry is one key/value pair destined for a window.
type StateEntry[ValueType any] struct {
	Key   []byte
	Value ValueType
}

// SortStateEntries orders entries by lexicographic byte order of their keys,
// matching the on-disk ordering.
func SortStateEntries[ValueType any](entries []StateEntry[ValueType]) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && bytes.Compare(entries[j].Key, entries[j-1].Key) < 0; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// ProcessorState is an ordered on-disk map backing one window. Keys are byte
// arrays compared lexicographically; values are JSON-encoded. The sharded
// iterator yields a deterministic partition of the entries without
// materializing the whole map.
type ProcessorState[ValueType any] struct {
	db   *bolt.DB
	dir  string
	name string
}

func NewProcessorState[ValueType any](dir string, name string) (*ProcessorState[ValueType], error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	s := &ProcessorState[ValueType]{dir: dir, name: name}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProcessorState[ValueType]) open() error {
	db, err := bolt.Open(filepath.Join(s.dir, s.name), 0644, nil)
	if err != nil {
		return fmt.Errorf("failed to open state db %s: %w", s.name, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, bucketErr := tx.CreateBucketIfNotExists(stateBucket)
		return bucketErr
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create state bucket in %s: %w", s.name, err)
	}
	s.db = db
	return nil
}

func (s *ProcessorState[ValueType]) Name() string { return s.name }

func (s *ProcessorState[ValueType]) Put(key []byte, value ValueType) error {
	return s.PutAll([]StateEntry[ValueType]{{Key: key, Value: value}})
}

// PutAll writes a batch of entries in one transaction.
func (s *ProcessorState[ValueType]) PutAll(entries []StateEntry[ValueType]) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		for _, entry := range entries {
			valueBytes, err := json.Marshal(entry.Value)
			if err != nil {
				return fmt.Errorf("failed to encode state value: %w", err)
			}
			if err := bucket.Put(entry.Key, valueBytes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write state batch to %s: %w", s.name, err)
	}
	return nil
}

// Get returns the value at key, or nil when absent.
func (s *ProcessorState[ValueType]) Get(key []byte) (*ValueType, error) {
	var result *ValueType
	err := s.db.View(func(tx *bolt.Tx) error {
		valueBytes := tx.Bucket(stateBucket).Get(key)
		if valueBytes == nil {
			return nil
		}
		var value ValueType
		if err := json.Unmarshal(valueBytes, &value); err != nil {
			return fmt.Errorf("failed to decode state value: %w", err)
		}
		result = &value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state from %s: %w", s.name, err)
	}
	return result, nil
}

func (s *ProcessorState[ValueType]) Size() (int, error) {
	var size int
	err := s.db.View(func(tx *bolt.Tx) error {
		size = tx.Bucket(stateBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read state size of %s: %w", s.name, err)
	}
	return size, nil
}

func (s *ProcessorState[ValueType]) SizeInBytes() int64 {
	info, err := os.Stat(filepath.Join(s.dir, s.name))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Iterate walks this worker's shard of the entries in key order. Sharding is
// deterministic: entry i belongs to shard i modulo totalShards, so the union
// over all shard ids is exactly the window's contents.
func (s *ProcessorState[ValueType]) Iterate(
	totalShards int,
	shardID int,
	fn func(key []byte, value ValueType) error,
) error {
	if totalShards <= 0 {
		totalShards = 1
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(stateBucket).Cursor()
		index := 0
		for key, valueBytes := cursor.First(); key != nil; key, valueBytes = cursor.Next() {
			if index%totalShards != shardID {
				index++
				continue
			}
			index++
			var value ValueType
			if err := json.Unmarshal(valueBytes, &value); err != nil {
				return fmt.Errorf("failed to decode state value: %w", err)
			}
			keyCopy := make([]byte, len(key))
			copy(keyCopy, key)
			if err := fn(keyCopy, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to iterate state of %s: %w", s.name, err)
	}
	return nil
}

// Clear removes every entry while keeping the backing file open.
func (s *ProcessorState[ValueType]) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(stateBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(stateBucket)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear state of %s: %w", s.name, err)
	}
	return nil
}

// Rename moves the backing file to a new name within the same directory.
// Callers must guarantee no concurrent access; the db is closed around the
// rename.
func (s *ProcessorState[ValueType]) Rename(newName string) error {
	if newName == s.name {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close state db %s: %w", s.name, err)
	}
	oldPath := filepath.Join(s.dir, s.name)
	newPath := filepath.Join(s.dir, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename state db %s to %s: %w", s.name, newName, err)
	}
	s.name = newName
	return s.open()
}

// Delete closes the state and unlinks the backing file.
func (s *ProcessorState[ValueType]) Delete() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close state db %s: %w", s.name, err)
	}
	if err := os.Remove(filepath.Join(s.dir, s.name)); err != nil {
		return fmt.Errorf("failed to unlink state db %s: %w", s.name, err)
	}
	return nil
}
