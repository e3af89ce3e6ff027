package servicemap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessorState(t *testing.T) {
	t.Run("Put and Get round-trip", func(t *testing.T) {
		state, err := NewProcessorState[SpanState](t.TempDir(), "db-1")
		assert.NoError(t, err)
		defer state.Delete()

		stored := SpanState{ServiceName: "front", TraceID: []byte{0x01}, Name: "op"}
		assert.NoError(t, state.Put([]byte{0xaa}, stored))

		loaded, err := state.Get([]byte{0xaa})
		assert.NoError(t, err)
		assert.NotNil(t, loaded)
		assert.Equal(t, stored, *loaded)

		missing, err := state.Get([]byte{0xbb})
		assert.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("Sharded iterators partition the keyspace exactly", func(t *testing.T) {
		state, err := NewProcessorState[string](t.TempDir(), "db-1")
		assert.NoError(t, err)
		defer state.Delete()

		entries := make([]StateEntry[string], 0, 10)
		for i := byte(0); i < 10; i++ {
			entries = append(entries, StateEntry[string]{Key: []byte{i}, Value: string(rune('a' + i))})
		}
		assert.NoError(t, state.PutAll(entries))

		seen := map[byte]int{}
		for shard := 0; shard < 3; shard++ {
			err := state.Iterate(3, shard, func(key []byte, value string) error {
				seen[key[0]]++
				return nil
			})
			assert.NoError(t, err)
		}
		assert.Len(t, seen, 10)
		for key, count := range seen {
			assert.Equal(t, 1, count, "key %d visited more than once", key)
		}
	})

	t.Run("Clear empties without losing the file", func(t *testing.T) {
		dir := t.TempDir()
		state, err := NewProcessorState[string](dir, "db-1")
		assert.NoError(t, err)
		defer state.Delete()

		assert.NoError(t, state.Put([]byte{0x01}, "x"))
		assert.NoError(t, state.Clear())

		size, err := state.Size()
		assert.NoError(t, err)
		assert.Zero(t, size)
		_, statErr := os.Stat(filepath.Join(dir, "db-1"))
		assert.NoError(t, statErr)
	})

	t.Run("Rename moves the backing file and keeps the data", func(t *testing.T) {
		dir := t.TempDir()
		state, err := NewProcessorState[string](dir, "db-1")
		assert.NoError(t, err)

		assert.NoError(t, state.Put([]byte{0x01}, "kept"))
		assert.NoError(t, state.Rename("db-2-empty"))

		_, oldErr := os.Stat(filepath.Join(dir, "db-1"))
		assert.True(t, os.IsNotExist(oldErr))
		_, newErr := os.Stat(filepath.Join(dir, "db-2-empty"))
		assert.NoError(t, newErr)

		loaded, err := state.Get([]byte{0x01})
		assert.NoError(t, err)
		assert.NotNil(t, loaded)
		assert.Equal(t, "kept", *loaded)
		assert.NoError(t, state.Delete())
	})

	t.Run("Delete unlinks the backing file", func(t *testing.T) {
		dir := t.TempDir()
		state, err := NewProcessorState[string](dir, "db-1")
		assert.NoError(t, err)
		assert.NoError(t, state.Delete())
		_, statErr := os.Stat(filepath.Join(dir, "db-1"))
		assert.True(t, os.IsNotExist(statErr))
	})
}

func TestSortStateEntries(t *testing.T) {
	entries := []StateEntry[string]{
		{Key: []byte{0x03}, Value: "c"},
		{Key: []byte{0x01}, Value: "a"},
		{Key: []byte{0x02}, Value: "b"},
	}
	SortStateEntries(entries)
	assert.Equal(t, []byte{0x01}, entries[0].Key)
	assert.Equal(t, []byte{0x02}, entries[1].Key)
	assert.Equal(t, []byte{0x03}, entries[2].Key)
}

func TestCyclicBarrier(t *testing.T) {
	t.Run("Releases all parties once everyone arrived", func(t *testing.T) {
		barrier := NewCyclicBarrier(2)
		results := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { results <- barrier.Await() }()
		}
		assert.NoError(t, <-results)
		assert.NoError(t, <-results)
	})

	t.Run("Break fails parked and future waiters", func(t *testing.T) {
		barrier := NewCyclicBarrier(2)
		results := make(chan error, 1)
		go func() { results <- barrier.Await() }()
		barrier.Break()
		assert.ErrorIs(t, <-results, ErrBarrierBroken)
		assert.ErrorIs(t, barrier.Await(), ErrBarrierBroken)
	})
}
