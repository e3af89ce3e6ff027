package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubSource struct {
	started atomic.Bool
	stopped atomic.Bool
}

func (s *stubSource) Start(buf *buffer.BlockingBuffer[*event.Record]) error {
	s.started.Store(true)
	return nil
}

func (s *stubSource) Stop() { s.stopped.Store(true) }

type upperProcessor struct{}

func (p *upperProcessor) Execute(records []*event.Record) ([]*event.Record, error) {
	for _, record := range records {
		if err := record.Event().Put("processed", true); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (p *upperProcessor) PrepareForShutdown()      {}
func (p *upperProcessor) IsReadyForShutdown() bool { return true }
func (p *upperProcessor) Shutdown()                {}

type failingProcessor struct{}

func (p *failingProcessor) Execute(records []*event.Record) ([]*event.Record, error) {
	return nil, fmt.Errorf("processor blew up")
}

func (p *failingProcessor) PrepareForShutdown()      {}
func (p *failingProcessor) IsReadyForShutdown() bool { return true }
func (p *failingProcessor) Shutdown()                {}

type collectingSink struct {
	mu       sync.Mutex
	records  []*event.Record
	shutdown atomic.Bool
}

func (s *collectingSink) Output(records []*event.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
}

func (s *collectingSink) Shutdown() { s.shutdown.Store(true) }

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestPipeline(processors []Processor, sink Sink) (*Pipeline, *buffer.BlockingBuffer[*event.Record]) {
	buf := buffer.NewBlockingBuffer[*event.Record](64, 4, time.Minute)
	p := NewPipeline(
		"test-pipeline",
		&stubSource{},
		buf,
		processors,
		[]Sink{sink},
		Settings{Workers: 2, ReadBatchSize: 8, ReadTimeout: 50 * time.Millisecond},
		nil,
		nil,
		zap.NewNop(),
	)
	return p, buf
}

func writeRecords(t *testing.T, buf *buffer.BlockingBuffer[*event.Record], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := event.New("log", map[string]interface{}{"seq": i})
		assert.NoError(t, buf.Write(event.NewRecord(e), time.Second))
	}
}

func TestPipelineProcessesRecordsToSinks(t *testing.T) {
	sink := &collectingSink{}
	p, buf := newTestPipeline([]Processor{&upperProcessor{}}, sink)
	assert.NoError(t, p.Run())

	writeRecords(t, buf, 10)

	assert.Eventually(t, func() bool { return sink.count() == 10 }, 5*time.Second, 10*time.Millisecond)
	for _, record := range sink.records {
		assert.True(t, record.Event().ContainsKey("processed"))
	}
	p.Shutdown()
	assert.True(t, sink.shutdown.Load())
}

func TestPipelineDropsBatchOnProcessorError(t *testing.T) {
	sink := &collectingSink{}
	p, buf := newTestPipeline([]Processor{&failingProcessor{}}, sink)
	assert.NoError(t, p.Run())

	writeRecords(t, buf, 4)

	assert.Eventually(t, func() bool { return buf.IsEmpty() }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, sink.count())
	p.Shutdown()
}

func TestPipelineMergesReceiveBuffer(t *testing.T) {
	// Records forwarded from peers land in the receive buffer and must be
	// processed alongside locally read records.
	sink := &collectingSink{}
	p, buf := newTestPipeline([]Processor{&upperProcessor{}}, sink)
	receiveBuffer := buffer.NewBlockingBuffer[*event.Record](16, 1, time.Minute)
	p.WithPeerForwarding(nil, receiveBuffer)
	assert.NoError(t, p.Run())

	writeRecords(t, buf, 3)
	for i := 0; i < 2; i++ {
		e := event.New("span", map[string]interface{}{"forwarded": true})
		assert.NoError(t, receiveBuffer.Write(event.NewRecord(e), time.Second))
	}

	assert.Eventually(t, func() bool { return sink.count() == 5 }, 5*time.Second, 10*time.Millisecond)
	p.Shutdown()
}

func TestPipelineSingleThreadedProcessorIsSerialized(t *testing.T) {
	// A shared single-threaded processor must never see concurrent
	// Execute calls even with several workers.
	proc := &serializedProcessor{}
	sink := &collectingSink{}
	p, buf := newTestPipeline([]Processor{proc}, sink)
	assert.NoError(t, p.Run())

	writeRecords(t, buf, 40)
	assert.Eventually(t, func() bool { return sink.count() == 40 }, 5*time.Second, 10*time.Millisecond)
	p.Shutdown()
	assert.False(t, proc.overlapped.Load())
}

type serializedProcessor struct {
	running    atomic.Bool
	overlapped atomic.Bool
}

func (p *serializedProcessor) Execute(records []*event.Record) ([]*event.Record, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.overlapped.Store(true)
	}
	time.Sleep(time.Millisecond)
	p.running.Store(false)
	return records, nil
}

func (p *serializedProcessor) PrepareForShutdown()      {}
func (p *serializedProcessor) IsReadyForShutdown() bool { return true }
func (p *serializedProcessor) Shutdown()                {}
func (p *serializedProcessor) RequiresSingleThread() bool {
	return true
}

func TestPipelineShutdownDrainsBuffer(t *testing.T) {
	sink := &collectingSink{}
	p, buf := newTestPipeline([]Processor{&upperProcessor{}}, sink)
	assert.NoError(t, p.Run())

	writeRecords(t, buf, 20)
	p.Shutdown()

	assert.Equal(t, 20, sink.count())
	assert.True(t, buf.IsEmpty())
}
