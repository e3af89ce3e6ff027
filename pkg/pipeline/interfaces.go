package pipeline

import (
	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
)

// Source produces records and writes them into the pipeline's buffer. Start
// must not block; Stop tells the source to cease producing.
type Source interface {
	Start(buf *buffer.BlockingBuffer[*event.Record]) error
	Stop()
}

// Processor transforms a batch of records. A processor may add, drop or
// replace records. An error from Execute drops the whole batch.
type Processor interface {
	Execute(records []*event.Record) ([]*event.Record, error)
	// PrepareForShutdown is broadcast before draining so processors can
	// flush timers and windows.
	PrepareForShutdown()
	IsReadyForShutdown() bool
	Shutdown()
}

// SingleThreaded marks processors whose Execute must never run concurrently
// with itself. The executor serializes calls with a per-processor lock.
type SingleThreaded interface {
	RequiresSingleThread() bool
}

// PeerForwardingProcessor marks stateful processors that need all events
// sharing an identification key on the same node.
type PeerForwardingProcessor interface {
	Processor
	IdentificationKeys() []string
}

// Forwarder routes a batch through the peer forwarder, returning the records
// to be processed locally. Remote records have already been dispatched when
// Forward returns.
type Forwarder interface {
	Forward(records []*event.Record) []*event.Record
}

// Sink consumes the processor output. Sinks implement their own retry and
// dead-letter discipline; the executor does not catch sink failures.
type Sink interface {
	Output(records []*event.Record)
	Shutdown()
}
