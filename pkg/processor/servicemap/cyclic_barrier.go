package servicemap

import (
	"fmt"
	"sync"
)

// ErrBarrierBroken is returned from Await once the barrier has been aborted;
// callers fail their current execution and unwind.
var ErrBarrierBroken = fmt.Errorf("barrier broken")

// CyclicBarrier parks callers until the configured number of parties has
// arrived, then releases them all and resets for the next cycle.
type CyclicBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64
	broken     bool
}

func NewCyclicBarrier(parties int) *CyclicBarrier {
	b := &CyclicBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Await blocks until all parties have arrived or the barrier breaks.
func (b *CyclicBarrier) Await() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		return ErrBarrierBroken
	}
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return nil
	}
	arrivalGeneration := b.generation
	for b.generation == arrivalGeneration && !b.broken {
		b.cond.Wait()
	}
	if b.broken {
		return ErrBarrierBroken
	}
	return nil
}

// Break aborts the barrier: every parked and future Await fails with
// ErrBarrierBroken. Used when a worker is cancelled while waiting.
func (b *CyclicBarrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}
