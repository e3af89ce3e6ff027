package servicemap

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func spanEvent(spanID, parentSpanID, traceID, serviceName, name, kind string) *event.Record {
	data := map[string]interface{}{
		"spanId":      spanID,
		"traceId":     traceID,
		"serviceName": serviceName,
		"name":        name,
		"kind":        kind,
	}
	if parentSpanID != "" {
		data["parentSpanId"] = parentSpanID
	}
	return event.NewRecord(event.New("span", data))
}

func newTestGroup(t *testing.T, clock *fakeClock, windowSeconds int) (*Group, *Processor) {
	t.Helper()
	cfg := config.ServiceMapConfig{
		WindowDurationSeconds: windowSeconds,
		DBPath:                t.TempDir(),
	}
	group, err := NewGroupWithClock(cfg, 1, clock.Now, zap.NewNop())
	assert.NoError(t, err)
	processor := group.NewProcessor(nil, zap.NewNop())
	return group, processor
}

func relationshipField(t *testing.T, record *event.Record, key string) string {
	t.Helper()
	value, found, err := record.Event().Get(key)
	assert.NoError(t, err)
	assert.True(t, found, "missing field %s", key)
	s, err := value.AsString()
	assert.NoError(t, err)
	return s
}

func TestServiceMapTwoWindowJoin(t *testing.T) {
	clock := newFakeClock()
	_, processor := newTestGroup(t, clock, 1)
	defer processor.Shutdown()

	// T=0: root span A of service front arrives.
	out, err := processor.Execute([]*event.Record{
		spanEvent("aaaaaaaaaaaaaaaa", "", "abad1dea00000001", "front", "A_name", "SERVER"),
	})
	assert.NoError(t, err)
	assert.Empty(t, out)

	// T=0.5s: child span B of service back arrives.
	clock.Advance(500 * time.Millisecond)
	out, err = processor.Execute([]*event.Record{
		spanEvent("bbbbbbbbbbbbbbbb", "aaaaaaaaaaaaaaaa", "abad1dea00000001", "back", "B_name", "SERVER"),
	})
	assert.NoError(t, err)
	assert.Empty(t, out)

	// T=1.1s: any span triggers the evaluation.
	clock.Advance(600 * time.Millisecond)
	out, err = processor.Execute([]*event.Record{
		spanEvent("cccccccccccccccc", "", "abad1dea00000002", "front", "C_name", "SERVER"),
	})
	assert.NoError(t, err)
	assert.Len(t, out, 2)

	var destination, target *event.Record
	for _, record := range out {
		if record.Event().ContainsKey("destination") {
			destination = record
		}
		if record.Event().ContainsKey("target") {
			target = record
		}
	}
	assert.NotNil(t, destination)
	assert.NotNil(t, target)

	assert.Equal(t, "front", relationshipField(t, destination, "serviceName"))
	assert.Equal(t, "SERVER", relationshipField(t, destination, "kind"))
	assert.Equal(t, "back", relationshipField(t, destination, "destination.domain"))
	assert.Equal(t, "B_name", relationshipField(t, destination, "destination.resource"))
	assert.Equal(t, "A_name", relationshipField(t, destination, "traceGroupName"))

	assert.Equal(t, "back", relationshipField(t, target, "serviceName"))
	assert.Equal(t, "SERVER", relationshipField(t, target, "kind"))
	assert.Equal(t, "back", relationshipField(t, target, "target.domain"))
	assert.Equal(t, "B_name", relationshipField(t, target, "target.resource"))
	assert.Equal(t, "A_name", relationshipField(t, target, "traceGroupName"))

	// Subsequent evaluations emit nothing for this pair: both spans now sit
	// in the previous window, so the edge is found again, but it is already
	// in the relationship set.
	clock.Advance(1100 * time.Millisecond)
	out, err = processor.Execute(nil)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestServiceMapIdempotence(t *testing.T) {
	clock := newFakeClock()
	_, processor := newTestGroup(t, clock, 1)
	defer processor.Shutdown()

	sameStream := func() []*event.Record {
		return []*event.Record{
			spanEvent("aaaaaaaaaaaaaaaa", "", "abad1dea00000001", "front", "A_name", "SERVER"),
			spanEvent("bbbbbbbbbbbbbbbb", "aaaaaaaaaaaaaaaa", "abad1dea00000001", "back", "B_name", "CLIENT"),
		}
	}

	_, err := processor.Execute(sameStream())
	assert.NoError(t, err)

	clock.Advance(1100 * time.Millisecond)
	first, err := processor.Execute(sameStream())
	assert.NoError(t, err)
	assert.Len(t, first, 2)

	clock.Advance(1100 * time.Millisecond)
	second, err := processor.Execute(sameStream())
	assert.NoError(t, err)
	assert.Empty(t, second)
}

func TestServiceMapWindowRotation(t *testing.T) {
	clock := newFakeClock()
	group, processor := newTestGroup(t, clock, 1)
	defer processor.Shutdown()

	_, err := processor.Execute([]*event.Record{
		spanEvent("aaaaaaaaaaaaaaaa", "", "abad1dea00000001", "front", "A_name", "SERVER"),
	})
	assert.NoError(t, err)

	preRotationCurrent, _, _, _ := group.windows()
	preRotationSize, err := preRotationCurrent.Size()
	assert.NoError(t, err)
	assert.Equal(t, 1, preRotationSize)

	clock.Advance(1100 * time.Millisecond)
	_, err = processor.Execute(nil)
	assert.NoError(t, err)

	currentSpans, previousSpans, _, _ := group.windows()

	// previous equals the pre-rotation current; current is empty.
	assert.Same(t, preRotationCurrent, previousSpans)
	currentSize, err := currentSpans.Size()
	assert.NoError(t, err)
	assert.Zero(t, currentSize)
	previousSize, err := previousSpans.Size()
	assert.NoError(t, err)
	assert.Equal(t, 1, previousSize)

	// The cleared side carries the -empty suffix and the newer generation.
	assert.True(t, strings.HasSuffix(currentSpans.Name(), emptySuffix))
	assert.False(t, strings.HasSuffix(previousSpans.Name(), emptySuffix))
}

func TestServiceMapSkipsSameServiceAndOrphans(t *testing.T) {
	clock := newFakeClock()
	_, processor := newTestGroup(t, clock, 1)
	defer processor.Shutdown()

	_, err := processor.Execute([]*event.Record{
		// Parent and child within the same service: no edge.
		spanEvent("aaaaaaaaaaaaaaaa", "", "abad1dea00000001", "front", "A_name", "SERVER"),
		spanEvent("bbbbbbbbbbbbbbbb", "aaaaaaaaaaaaaaaa", "abad1dea00000001", "front", "B_name", "INTERNAL"),
		// Child whose parent was never observed: no edge.
		spanEvent("dddddddddddddddd", "eeeeeeeeeeeeeeee", "abad1dea00000001", "back", "D_name", "SERVER"),
		// Span without a service name is ignored entirely.
		spanEvent("ffffffffffffffff", "", "abad1dea00000003", "", "F_name", "SERVER"),
	})
	assert.NoError(t, err)

	clock.Advance(1100 * time.Millisecond)
	out, err := processor.Execute(nil)
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestServiceMapShutdownRemovesWindowFiles(t *testing.T) {
	clock := newFakeClock()
	cfg := config.ServiceMapConfig{WindowDurationSeconds: 60, DBPath: t.TempDir()}
	group, err := NewGroupWithClock(cfg, 1, clock.Now, zap.NewNop())
	assert.NoError(t, err)
	processor := group.NewProcessor(nil, zap.NewNop())

	_, err = processor.Execute([]*event.Record{
		spanEvent("aaaaaaaaaaaaaaaa", "", "abad1dea00000001", "front", "A_name", "SERVER"),
	})
	assert.NoError(t, err)

	processor.Shutdown()

	entries, err := os.ReadDir(cfg.DBPath)
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceMapBrokenBarrierFailsExecute(t *testing.T) {
	clock := newFakeClock()
	// Two workers are registered, so a lone evaluation would park at the
	// barrier forever; breaking it must fail the call instead.
	cfg := config.ServiceMapConfig{WindowDurationSeconds: 1, DBPath: t.TempDir()}
	group, err := NewGroupWithClock(cfg, 2, clock.Now, zap.NewNop())
	assert.NoError(t, err)
	processor := group.NewProcessor(nil, zap.NewNop())
	group.NewProcessor(nil, zap.NewNop())

	clock.Advance(1100 * time.Millisecond)
	results := make(chan error, 1)
	go func() {
		_, execErr := processor.Execute(nil)
		results <- execErr
	}()

	time.Sleep(50 * time.Millisecond)
	group.barrier.Break()
	assert.ErrorIs(t, <-results, ErrBarrierBroken)
}
