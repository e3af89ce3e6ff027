package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/lifecycle"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const RecordsDropped = "records_dropped"

// Settings carries the executor options of one pipeline.
type Settings struct {
	Workers       int
	ReadBatchSize int
	ReadTimeout   time.Duration
	Delay         time.Duration
}

// Pipeline is a directed graph of one source, one buffer, an ordered
// processor chain and one or more sinks, executed by a pool of symmetric
// workers.
type Pipeline struct {
	name           string
	source         Source
	buf            *buffer.BlockingBuffer[*event.Record]
	processors     []Processor
	processorLocks []*sync.Mutex
	// workerChains, when set, gives every worker its own processor
	// instances (stateful processors register once per worker and share
	// state through their group).
	workerChains [][]Processor
	sinks        []Sink
	settings     Settings

	// Forwarder and receive buffer are set only when a processor in the
	// chain declares peer-forwarding requirements.
	forwarder     Forwarder
	receiveBuffer *buffer.BlockingBuffer[*event.Record]

	pluginMetrics *metrics.PluginMetrics
	stateBus      lifecycle.Bus[lifecycle.Transition]
	logger        *zap.Logger

	stopping atomic.Bool
	wg       sync.WaitGroup
}

func NewPipeline(
	name string,
	source Source,
	buf *buffer.BlockingBuffer[*event.Record],
	processors []Processor,
	sinks []Sink,
	settings Settings,
	pluginMetrics *metrics.PluginMetrics,
	stateBus lifecycle.Bus[lifecycle.Transition],
	logger *zap.Logger,
) *Pipeline {
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.ReadBatchSize <= 0 {
		settings.ReadBatchSize = 128
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = time.Second
	}
	processorLocks := make([]*sync.Mutex, len(processors))
	for i, processor := range processors {
		if single, ok := processor.(SingleThreaded); ok && single.RequiresSingleThread() {
			processorLocks[i] = &sync.Mutex{}
		}
	}
	return &Pipeline{
		name:           name,
		source:         source,
		buf:            buf,
		processors:     processors,
		processorLocks: processorLocks,
		sinks:          sinks,
		settings:       settings,
		pluginMetrics:  pluginMetrics,
		stateBus:       stateBus,
		logger:         logger,
	}
}

// WithPeerForwarding attaches the forwarder and the per-(pipeline, plugin)
// receive buffer for forwarded records. Must be called before Run.
func (p *Pipeline) WithPeerForwarding(forwarder Forwarder, receiveBuffer *buffer.BlockingBuffer[*event.Record]) *Pipeline {
	p.forwarder = forwarder
	p.receiveBuffer = receiveBuffer
	return p
}

// WithWorkerProcessors replaces the shared chain with one chain per worker.
// The slice must hold exactly one chain per configured worker. Must be
// called before Run.
func (p *Pipeline) WithWorkerProcessors(chains [][]Processor) *Pipeline {
	p.workerChains = chains
	return p
}

// allProcessors returns every processor instance of the pipeline, across
// worker chains when present.
func (p *Pipeline) allProcessors() []Processor {
	if p.workerChains == nil {
		return p.processors
	}
	var all []Processor
	for _, chain := range p.workerChains {
		all = append(all, chain...)
	}
	return all
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) publishState(state string) {
	if p.stateBus == nil {
		return
	}
	err := p.stateBus.Publish(lifecycle.PipelineStateTopic, lifecycle.Transition{
		PipelineName: p.name,
		State:        state,
	})
	if err != nil {
		p.logger.Warn("Failed to publish pipeline state transition",
			zap.String("pipeline", p.name),
			zap.String("state", state),
			zap.Error(err),
		)
	}
}

// Run starts the source and the worker pool. It returns once everything is
// started; errors from the source abort startup.
func (p *Pipeline) Run() error {
	p.publishState(lifecycle.StateStarting)
	if err := p.source.Start(p.buf); err != nil {
		return err
	}
	for workerID := 0; workerID < p.settings.Workers; workerID++ {
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
	p.publishState(lifecycle.StateRunning)
	p.logger.Info("Pipeline started",
		zap.String("pipeline", p.name),
		zap.Int("workers", p.settings.Workers),
	)
	return nil
}

func (p *Pipeline) runWorker(workerID int) {
	defer p.wg.Done()
	for {
		records, token, err := p.buf.Read(p.settings.ReadBatchSize, p.settings.ReadTimeout)
		if err == buffer.ErrShutdown {
			return
		}

		var received []*event.Record
		receivedToken := uuid.Nil
		if p.receiveBuffer != nil {
			var receiveErr error
			received, receivedToken, receiveErr = p.receiveBuffer.Read(p.settings.ReadBatchSize, 0)
			if receiveErr != nil && receiveErr != buffer.ErrShutdown {
				p.logger.Warn("Failed to read from peer forwarder receive buffer",
					zap.String("pipeline", p.name),
					zap.Error(receiveErr),
				)
			}
		}

		if len(records) == 0 && len(received) == 0 {
			p.buf.Checkpoint(token)
			p.checkpointReceived(receivedToken)
			// Stateful processors rendezvous inside Execute: every worker
			// must keep driving the chain on empty reads, or workers that
			// entered the barrier after a window boundary wait forever for
			// the idle ones.
			out := p.executeChain(workerID, nil)
			if len(out) > 0 {
				for _, sink := range p.sinks {
					sink.Output(out)
				}
			}
			if p.stopping.Load() {
				if p.readyToExit() {
					return
				}
				continue
			}
			if p.settings.Delay > 0 {
				time.Sleep(p.settings.Delay)
			}
			continue
		}

		batch := records
		if p.forwarder != nil {
			batch = p.forwarder.Forward(batch)
		}
		batch = append(batch, received...)

		out := p.executeChain(workerID, batch)
		if len(out) > 0 {
			for _, sink := range p.sinks {
				sink.Output(out)
			}
		}

		p.buf.Checkpoint(token)
		p.checkpointReceived(receivedToken)
	}
}

func (p *Pipeline) checkpointReceived(token uuid.UUID) {
	if p.receiveBuffer != nil {
		p.receiveBuffer.Checkpoint(token)
	}
}

// executeChain runs the worker's processor chain over the batch. A processor
// error or panic drops the batch with a counter increment and a warning;
// processing never takes the pipeline down on user-data-shaped failures.
func (p *Pipeline) executeChain(workerID int, batch []*event.Record) (out []*event.Record) {
	chain := p.processors
	locks := p.processorLocks
	if p.workerChains != nil {
		// Per-worker instances are never shared, so no locking is
		// needed even for single-threaded processors.
		chain = p.workerChains[workerID%len(p.workerChains)]
		locks = nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			p.dropBatch(len(batch), zap.Any("panic", recovered))
			out = nil
		}
	}()
	out = batch
	for i, processor := range chain {
		var lock *sync.Mutex
		if locks != nil {
			lock = locks[i]
		}
		if lock != nil {
			lock.Lock()
		}
		result, err := processor.Execute(out)
		if lock != nil {
			lock.Unlock()
		}
		if err != nil {
			p.dropBatch(len(out), zap.Error(err))
			return nil
		}
		out = result
	}
	return out
}

func (p *Pipeline) dropBatch(size int, field zap.Field) {
	if p.pluginMetrics != nil {
		p.pluginMetrics.Counter(RecordsDropped).Add(float64(size))
	}
	p.logger.Warn("Dropping batch after processor failure",
		zap.String("pipeline", p.name),
		zap.Int("records", size),
		field,
	)
}

func (p *Pipeline) readyToExit() bool {
	if !p.stopping.Load() {
		return false
	}
	if !p.buf.IsEmpty() {
		return false
	}
	if p.receiveBuffer != nil && !p.receiveBuffer.IsEmpty() {
		return false
	}
	for _, processor := range p.allProcessors() {
		if !processor.IsReadyForShutdown() {
			return false
		}
	}
	return true
}

// Shutdown is two-phase: processors are told to prepare, workers drain until
// the buffers are empty and every processor reports ready, then components
// shut down in reverse dependency order (sinks last consume nothing new once
// workers have stopped).
func (p *Pipeline) Shutdown() {
	p.publishState(lifecycle.StateStopping)
	p.source.Stop()
	for _, processor := range p.allProcessors() {
		processor.PrepareForShutdown()
	}
	p.stopping.Store(true)
	p.wg.Wait()

	p.buf.Shutdown()
	if p.receiveBuffer != nil {
		p.receiveBuffer.Shutdown()
	}
	for _, processor := range p.allProcessors() {
		processor.Shutdown()
	}
	for _, sink := range p.sinks {
		sink.Shutdown()
	}
	p.publishState(lifecycle.StateStopped)
	p.logger.Info("Pipeline stopped", zap.String("pipeline", p.name))
}
