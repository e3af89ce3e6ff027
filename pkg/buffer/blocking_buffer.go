package buffer

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBufferFull is returned when a write cannot complete within its
	// timeout because capacity is exhausted.
	ErrBufferFull = fmt.Errorf("buffer is full")
	// ErrShutdown is returned from blocking calls once the buffer is
	// shutting down.
	ErrShutdown = fmt.Errorf("buffer is shut down")
)

const DefaultVisibilityTimeout = 30 * time.Second

type inFlightBatch[T any] struct {
	items    []T
	deadline time.Time
}

// BlockingBuffer is a bounded many-producer/many-consumer queue. A read
// hands out a batch together with a checkpoint token; capacity is released
// only when the token is checkpointed, never at read time. Batches whose
// token is not checkpointed before the visibility timeout are redelivered.
type BlockingBuffer[T any] struct {
	mu                sync.Mutex
	notFull           *sync.Cond
	notEmpty          *sync.Cond
	queue             []T
	inFlight          map[uuid.UUID]*inFlightBatch[T]
	capacity          int
	batchSize         int
	visibilityTimeout time.Duration
	closed            bool
}

func NewBlockingBuffer[T any](capacity int, batchSize int, visibilityTimeout time.Duration) *BlockingBuffer[T] {
	if visibilityTimeout <= 0 {
		visibilityTimeout = DefaultVisibilityTimeout
	}
	b := &BlockingBuffer[T]{
		queue:             make([]T, 0, capacity),
		inFlight:          map[uuid.UUID]*inFlightBatch[T]{},
		capacity:          capacity,
		batchSize:         batchSize,
		visibilityTimeout: visibilityTimeout,
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// recordsInFlightLocked counts written but not yet checkpointed records.
func (b *BlockingBuffer[T]) recordsInFlightLocked() int {
	total := len(b.queue)
	for _, batch := range b.inFlight {
		total += len(batch.items)
	}
	return total
}

// waitLocked blocks on cond until a broadcast or the deadline. Returns false
// once the deadline has passed.
func (b *BlockingBuffer[T]) waitLocked(cond *sync.Cond, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	timer := time.AfterFunc(remaining, cond.Broadcast)
	cond.Wait()
	timer.Stop()
	return true
}

// Write appends one record, blocking up to timeout when the buffer is full.
func (b *BlockingBuffer[T]) Write(item T, timeout time.Duration) error {
	return b.WriteAll([]T{item}, timeout)
}

// WriteAll appends all records or none of them. The records are admitted
// only when capacity allows the entire batch.
func (b *BlockingBuffer[T]) WriteAll(items []T, timeout time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) > b.capacity {
		return fmt.Errorf("%w: batch of %d exceeds capacity %d", ErrBufferFull, len(items), b.capacity)
	}
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.closed {
			return ErrShutdown
		}
		if b.recordsInFlightLocked()+len(items) <= b.capacity {
			break
		}
		if !b.waitLocked(b.notFull, deadline) {
			return ErrBufferFull
		}
	}
	b.queue = append(b.queue, items...)
	b.notEmpty.Broadcast()
	return nil
}

// reclaimExpiredLocked redelivers batches whose visibility timeout lapsed.
func (b *BlockingBuffer[T]) reclaimExpiredLocked(now time.Time) {
	for token, batch := range b.inFlight {
		if now.After(batch.deadline) {
			b.queue = append(b.queue, batch.items...)
			delete(b.inFlight, token)
		}
	}
}

// Read returns a batch of up to maxBatch records and the checkpoint token
// identifying it. It returns as soon as at least the configured batch size
// has accumulated, otherwise it waits up to timeout and returns whatever is
// available, possibly nothing.
func (b *BlockingBuffer[T]) Read(maxBatch int, timeout time.Duration) ([]T, uuid.UUID, error) {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		b.reclaimExpiredLocked(time.Now())
		if len(b.queue) >= b.batchSize || (b.closed && len(b.queue) > 0) {
			break
		}
		if b.closed {
			return nil, uuid.Nil, ErrShutdown
		}
		if !b.waitLocked(b.notEmpty, deadline) {
			break
		}
	}

	n := len(b.queue)
	if n == 0 {
		return nil, uuid.Nil, nil
	}
	if n > maxBatch {
		n = maxBatch
	}
	items := make([]T, n)
	copy(items, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)

	token := uuid.New()
	b.inFlight[token] = &inFlightBatch[T]{
		items:    items,
		deadline: time.Now().Add(b.visibilityTimeout),
	}
	return items, token, nil
}

// Checkpoint marks the batch identified by token complete and releases its
// capacity. Checkpointing an unknown or nil token is a no-op.
func (b *BlockingBuffer[T]) Checkpoint(token uuid.UUID) {
	if token == uuid.Nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, token)
	b.notFull.Broadcast()
}

func (b *BlockingBuffer[T]) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0 && len(b.inFlight) == 0
}

func (b *BlockingBuffer[T]) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recordsInFlightLocked() >= b.capacity
}

// Shutdown causes pending and future writes to fail with ErrShutdown.
// Readers may continue draining queued records and checkpoint outstanding
// tokens.
func (b *BlockingBuffer[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}
