package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBlockingBufferBackpressure(t *testing.T) {
	buf := NewBlockingBuffer[int](4, 2, time.Minute)

	t.Run("Accepts writes up to capacity", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			assert.NoError(t, buf.Write(i, 100*time.Millisecond))
		}
		assert.True(t, buf.IsFull())
	})

	t.Run("Write past capacity fails with ErrBufferFull after the timeout", func(t *testing.T) {
		start := time.Now()
		err := buf.Write(5, 100*time.Millisecond)
		assert.ErrorIs(t, err, ErrBufferFull)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})
}

func TestBlockingBufferCheckpoint(t *testing.T) {
	t.Run("Capacity is released at checkpoint, not at read", func(t *testing.T) {
		buf := NewBlockingBuffer[int](2, 1, time.Minute)
		assert.NoError(t, buf.Write(1, time.Second))
		assert.NoError(t, buf.Write(2, time.Second))

		items, token, err := buf.Read(2, time.Second)
		assert.NoError(t, err)
		assert.Len(t, items, 2)

		assert.ErrorIs(t, buf.Write(3, 50*time.Millisecond), ErrBufferFull)

		buf.Checkpoint(token)
		assert.NoError(t, buf.Write(3, time.Second))
	})

	t.Run("Checkpoint of the nil token is a no-op", func(t *testing.T) {
		buf := NewBlockingBuffer[int](1, 1, time.Minute)
		buf.Checkpoint(uuid.Nil)
		assert.True(t, buf.IsEmpty())
	})
}

func TestBlockingBufferRedelivery(t *testing.T) {
	buf := NewBlockingBuffer[int](4, 1, 50*time.Millisecond)
	assert.NoError(t, buf.Write(42, time.Second))

	items, _, err := buf.Read(1, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, []int{42}, items)

	// Never checkpoint; the record must come back after the visibility
	// timeout.
	time.Sleep(80 * time.Millisecond)
	items, token, err := buf.Read(1, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, []int{42}, items)
	buf.Checkpoint(token)
	assert.True(t, buf.IsEmpty())
}

func TestBlockingBufferRead(t *testing.T) {
	t.Run("Returns fewer than maxBatch at timeout", func(t *testing.T) {
		buf := NewBlockingBuffer[int](8, 4, time.Minute)
		assert.NoError(t, buf.Write(1, time.Second))

		items, token, err := buf.Read(4, 50*time.Millisecond)
		assert.NoError(t, err)
		assert.Equal(t, []int{1}, items)
		buf.Checkpoint(token)
	})

	t.Run("Returns immediately once the batch size accumulated", func(t *testing.T) {
		buf := NewBlockingBuffer[int](8, 2, time.Minute)
		assert.NoError(t, buf.WriteAll([]int{1, 2}, time.Second))

		start := time.Now()
		items, _, err := buf.Read(2, 5*time.Second)
		assert.NoError(t, err)
		assert.Len(t, items, 2)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("Empty read returns no token", func(t *testing.T) {
		buf := NewBlockingBuffer[int](8, 2, time.Minute)
		items, token, err := buf.Read(2, 10*time.Millisecond)
		assert.NoError(t, err)
		assert.Empty(t, items)
		assert.Equal(t, uuid.Nil, token)
	})
}

func TestBlockingBufferWriteAll(t *testing.T) {
	t.Run("All-or-nothing against capacity", func(t *testing.T) {
		buf := NewBlockingBuffer[int](3, 1, time.Minute)
		assert.NoError(t, buf.Write(0, time.Second))
		err := buf.WriteAll([]int{1, 2, 3}, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrBufferFull)

		// Nothing from the failed batch may have been admitted.
		items, token, readErr := buf.Read(3, 50*time.Millisecond)
		assert.NoError(t, readErr)
		assert.Equal(t, []int{0}, items)
		buf.Checkpoint(token)
	})

	t.Run("Batch larger than capacity is rejected outright", func(t *testing.T) {
		buf := NewBlockingBuffer[int](2, 1, time.Minute)
		assert.ErrorIs(t, buf.WriteAll([]int{1, 2, 3}, time.Second), ErrBufferFull)
	})
}

func TestBlockingBufferShutdown(t *testing.T) {
	t.Run("Pending writers are drained with ErrShutdown", func(t *testing.T) {
		buf := NewBlockingBuffer[int](1, 1, time.Minute)
		assert.NoError(t, buf.Write(1, time.Second))

		var wg sync.WaitGroup
		wg.Add(1)
		var writeErr error
		go func() {
			defer wg.Done()
			writeErr = buf.Write(2, 5*time.Second)
		}()
		time.Sleep(20 * time.Millisecond)
		buf.Shutdown()
		wg.Wait()
		assert.ErrorIs(t, writeErr, ErrShutdown)
	})

	t.Run("Readers drain the queue before seeing ErrShutdown", func(t *testing.T) {
		buf := NewBlockingBuffer[int](4, 4, time.Minute)
		assert.NoError(t, buf.WriteAll([]int{1, 2}, time.Second))
		buf.Shutdown()

		items, token, err := buf.Read(4, 10*time.Millisecond)
		assert.NoError(t, err)
		assert.Len(t, items, 2)
		buf.Checkpoint(token)

		_, _, err = buf.Read(4, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrShutdown)
	})
}

func TestBlockingBufferConservation(t *testing.T) {
	// Concurrent writers and readers must never hold more than capacity
	// un-checkpointed records.
	const capacity = 8
	buf := NewBlockingBuffer[int](capacity, 2, time.Minute)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				for buf.Write(base+i, 20*time.Millisecond) != nil {
				}
			}
		}(w * 1000)
	}

	received := make(chan int, 512)
	done := make(chan struct{})
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				items, token, err := buf.Read(4, 20*time.Millisecond)
				if err != nil {
					return
				}
				for _, item := range items {
					received <- item
				}
				buf.Checkpoint(token)
			}
		}()
	}

	deadline := time.After(10 * time.Second)
	for count := 0; count < 200; count++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatal("timed out waiting for all records to pass through")
		}
	}
	close(done)
	wg.Wait()
	assert.True(t, buf.IsEmpty())
}
