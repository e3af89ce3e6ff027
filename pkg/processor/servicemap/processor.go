package servicemap

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	SpansDBSize      = "spans_db_size"
	TraceGroupDBSize = "trace_group_db_size"

	emptySuffix   = "-empty"
	spanDBPrefix  = "db-"
	traceDBPrefix = "trace-db-"
	eventType     = "event"
)

// Group owns the state shared by every service-map processor instance of one
// pipeline: the four rotating windows, the rendezvous barrier, the worker
// registry and the process-wide relationship set. Processor instances hold a
// back-reference to their group; the instance registered first acts as
// master for window rotation.
type Group struct {
	windowDuration time.Duration
	dbDir          string
	clock          func() time.Time
	workers        int
	barrier        *CyclicBarrier

	mu                  sync.RWMutex
	currentSpans        *ProcessorState[SpanState]
	previousSpans       *ProcessorState[SpanState]
	currentTraceGroups  *ProcessorState[string]
	previousTraceGroups *ProcessorState[string]
	lastRotation        time.Time

	relationships     sync.Map
	processorsCreated atomic.Int32
	shutdownOnce      sync.Once

	logger *zap.Logger
}

func NewGroup(cfg config.ServiceMapConfig, workers int, logger *zap.Logger) (*Group, error) {
	return NewGroupWithClock(cfg, workers, time.Now, logger)
}

func NewGroupWithClock(
	cfg config.ServiceMapConfig,
	workers int,
	clock func() time.Time,
	logger *zap.Logger,
) (*Group, error) {
	if workers <= 0 {
		workers = 1
	}
	g := &Group{
		windowDuration: cfg.WindowDuration(),
		dbDir:          cfg.DBPath,
		clock:          clock,
		workers:        workers,
		barrier:        NewCyclicBarrier(workers),
		logger:         logger,
	}

	nowMs := clock().UnixMilli()
	var err error
	if g.currentSpans, err = NewProcessorState[SpanState](g.dbDir, fmt.Sprintf("%s%d", spanDBPrefix, nowMs)); err != nil {
		return nil, fmt.Errorf("failed to create span window: %w", err)
	}
	if g.previousSpans, err = NewProcessorState[SpanState](g.dbDir, fmt.Sprintf("%s%d%s", spanDBPrefix, nowMs, emptySuffix)); err != nil {
		return nil, fmt.Errorf("failed to create span window: %w", err)
	}
	if g.currentTraceGroups, err = NewProcessorState[string](g.dbDir, fmt.Sprintf("%s%d", traceDBPrefix, nowMs)); err != nil {
		return nil, fmt.Errorf("failed to create trace group window: %w", err)
	}
	if g.previousTraceGroups, err = NewProcessorState[string](g.dbDir, fmt.Sprintf("%s%d%s", traceDBPrefix, nowMs, emptySuffix)); err != nil {
		return nil, fmt.Errorf("failed to create trace group window: %w", err)
	}
	g.lastRotation = clock()
	return g, nil
}

// NewProcessor registers one worker's processor instance. The instance with
// registration index zero is the master.
func (g *Group) NewProcessor(pluginMetrics *metrics.PluginMetrics, logger *zap.Logger) *Processor {
	id := int(g.processorsCreated.Add(1)) - 1
	return &Processor{
		group:         g,
		id:            id,
		pluginMetrics: pluginMetrics,
		logger:        logger,
	}
}

func (g *Group) windowDurationHasPassed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clock().Sub(g.lastRotation) >= g.windowDuration
}

// forceEvaluation makes the next Execute evaluate and rotate regardless of
// wall time, used while preparing for shutdown.
func (g *Group) forceEvaluation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRotation = time.Time{}
}

// windows returns a consistent snapshot of the four window pointers.
func (g *Group) windows() (
	currentSpans *ProcessorState[SpanState],
	previousSpans *ProcessorState[SpanState],
	currentTraceGroups *ProcessorState[string],
	previousTraceGroups *ProcessorState[string],
) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentSpans, g.previousSpans, g.currentTraceGroups, g.previousTraceGroups
}

// rotate swaps the window pairs, clears the new current side and moves the
// file names so the cleared side carries the new generation number with the
// empty suffix. Callers must hold every other worker at the barrier.
func (g *Group) rotate() error {
	nowMs := g.clock().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.currentSpans, g.previousSpans = g.previousSpans, g.currentSpans
	g.currentTraceGroups, g.previousTraceGroups = g.previousTraceGroups, g.currentTraceGroups

	err := multierr.Combine(
		g.currentSpans.Clear(),
		g.currentTraceGroups.Clear(),
		g.currentSpans.Rename(fmt.Sprintf("%s%d%s", spanDBPrefix, nowMs, emptySuffix)),
		g.currentTraceGroups.Rename(fmt.Sprintf("%s%d%s", traceDBPrefix, nowMs, emptySuffix)),
		g.previousSpans.Rename(strings.TrimSuffix(g.previousSpans.Name(), emptySuffix)),
		g.previousTraceGroups.Rename(strings.TrimSuffix(g.previousTraceGroups.Name(), emptySuffix)),
	)

	g.lastRotation = g.clock()
	return err
}

func (g *Group) relationshipSeen(key string) bool {
	_, loaded := g.relationships.LoadOrStore(key, struct{}{})
	return loaded
}

// Shutdown unlinks the four window files. Safe to call from every processor
// instance; only the first call acts.
func (g *Group) Shutdown() {
	g.shutdownOnce.Do(func() {
		g.barrier.Break()
		g.mu.Lock()
		defer g.mu.Unlock()
		err := multierr.Combine(
			g.currentSpans.Delete(),
			g.previousSpans.Delete(),
			g.currentTraceGroups.Delete(),
			g.previousTraceGroups.Delete(),
		)
		if err != nil {
			g.logger.Error("Failed to delete service map windows", zap.Error(err))
		}
	})
}

// Processor joins parent and child spans across two rotating windows into
// service-map relationships. All instances of one pipeline share a Group.
type Processor struct {
	group         *Group
	id            int
	pluginMetrics *metrics.PluginMetrics
	logger        *zap.Logger
}

// IdentificationKeys declares the fields whose hash routes events between
// peers: spans of one trace must all land on the same node.
func (p *Processor) IdentificationKeys() []string {
	return []string{"traceId"}
}

func (p *Processor) RequiresSingleThread() bool { return true }

// spanFromEvent reads the span fields out of an event. The second return is
// false when the event has no service name or undecodable ids.
func (p *Processor) spanFromEvent(e *event.Event) ([]byte, SpanState, bool) {
	serviceName := stringField(e, "serviceName")
	if serviceName == "" {
		return nil, SpanState{}, false
	}
	spanID, err := hex.DecodeString(stringField(e, "spanId"))
	if err != nil || len(spanID) == 0 {
		p.logger.Warn("Skipping span with undecodable span id")
		return nil, SpanState{}, false
	}
	traceID, err := hex.DecodeString(stringField(e, "traceId"))
	if err != nil || len(traceID) == 0 {
		p.logger.Warn("Skipping span with undecodable trace id")
		return nil, SpanState{}, false
	}
	var parentSpanID []byte
	if parentHex := stringField(e, "parentSpanId"); parentHex != "" {
		parentSpanID, err = hex.DecodeString(parentHex)
		if err != nil {
			p.logger.Warn("Skipping span with undecodable parent span id")
			return nil, SpanState{}, false
		}
	}
	return spanID, SpanState{
		ServiceName:  serviceName,
		ParentSpanID: parentSpanID,
		TraceID:      traceID,
		SpanKind:     stringField(e, "kind"),
		Name:         stringField(e, "name"),
	}, true
}

func stringField(e *event.Event, key string) string {
	value, found, err := e.Get(key)
	if err != nil || !found {
		return ""
	}
	s, err := value.AsString()
	if err != nil {
		return ""
	}
	return s
}

// Execute adds the batch's spans to the current window and, once the window
// duration has lapsed, evaluates and emits the service-map edges found in
// the previous and current windows.
func (p *Processor) Execute(records []*event.Record) ([]*event.Record, error) {
	var relationships []*event.Record
	if p.group.windowDurationHasPassed() {
		evaluated, err := p.evaluateEdges()
		if err != nil {
			return nil, err
		}
		relationships = evaluated
	}

	currentSpans, _, currentTraceGroups, _ := p.group.windows()
	spanEntries := make([]StateEntry[SpanState], 0, len(records))
	var traceGroupEntries []StateEntry[string]
	for _, record := range records {
		spanID, state, ok := p.spanFromEvent(record.Event())
		if !ok {
			continue
		}
		spanEntries = append(spanEntries, StateEntry[SpanState]{Key: spanID, Value: state})
		if state.ParentSpanID == nil {
			// A parentless span is its trace's root: its name is the
			// trace group name.
			traceGroupEntries = append(traceGroupEntries, StateEntry[string]{
				Key:   state.TraceID,
				Value: state.Name,
			})
		}
	}
	SortStateEntries(spanEntries)
	if err := currentSpans.PutAll(spanEntries); err != nil {
		p.logger.Error("Failed to put batch state data", zap.Error(err))
	}
	SortStateEntries(traceGroupEntries)
	if err := currentTraceGroups.PutAll(traceGroupEntries); err != nil {
		p.logger.Error("Failed to put trace group names", zap.Error(err))
	}
	p.recordDBSizes()

	return relationships, nil
}

func (p *Processor) recordDBSizes() {
	if p.pluginMetrics == nil {
		return
	}
	currentSpans, previousSpans, currentTraceGroups, previousTraceGroups := p.group.windows()
	p.pluginMetrics.Gauge(SpansDBSize).Set(float64(currentSpans.SizeInBytes() + previousSpans.SizeInBytes()))
	p.pluginMetrics.Gauge(TraceGroupDBSize).Set(float64(currentTraceGroups.SizeInBytes() + previousTraceGroups.SizeInBytes()))
}

// evaluateEdges walks this worker's shard of both span windows, emits the
// relationships not yet seen process-wide, then rendezvouses twice: once
// before the master rotates the windows and once after, so no worker ever
// observes a partially rotated state.
func (p *Processor) evaluateEdges() ([]*event.Record, error) {
	currentSpans, previousSpans, currentTraceGroups, previousTraceGroups := p.group.windows()
	totalShards := int(p.group.processorsCreated.Load())

	var relationshipRecords []*event.Record
	emit := func(relationship Relationship) {
		if p.group.relationshipSeen(relationship.Key()) {
			return
		}
		relationshipRecords = append(
			relationshipRecords,
			event.NewRecord(event.New(eventType, relationship.ToMap())),
		)
	}

	evaluateShard := func(window *ProcessorState[SpanState]) error {
		return window.Iterate(totalShards, p.id, func(key []byte, child SpanState) error {
			if child.ParentSpanID == nil {
				return nil
			}
			parent, err := currentSpans.Get(child.ParentSpanID)
			if err != nil {
				return err
			}
			if parent == nil {
				if parent, err = previousSpans.Get(child.ParentSpanID); err != nil {
					return err
				}
			}
			traceGroupName, err := lookupTraceGroup(currentTraceGroups, previousTraceGroups, child.TraceID)
			if err != nil {
				return err
			}
			if parent == nil || traceGroupName == "" || parent.ServiceName == child.ServiceName {
				return nil
			}
			emit(NewDestinationRelationship(
				parent.ServiceName, parent.SpanKind, child.ServiceName, child.Name, traceGroupName))
			emit(NewTargetRelationship(
				child.ServiceName, child.SpanKind, child.Name, traceGroupName))
			return nil
		})
	}

	for _, window := range []*ProcessorState[SpanState]{previousSpans, currentSpans} {
		if err := evaluateShard(window); err != nil {
			p.logger.Error("Failed to evaluate service map edges", zap.Error(err))
		}
	}

	// Barrier 1: every worker has finished reading before the master
	// rotates.
	if err := p.group.barrier.Await(); err != nil {
		return nil, ErrBarrierBroken
	}
	if p.isMasterInstance() {
		if err := p.group.rotate(); err != nil {
			p.logger.Error("Failed to rotate service map windows", zap.Error(err))
		}
	}
	// Barrier 2: nobody proceeds until rotation is complete.
	if err := p.group.barrier.Await(); err != nil {
		return nil, ErrBarrierBroken
	}
	return relationshipRecords, nil
}

func lookupTraceGroup(
	currentTraceGroups *ProcessorState[string],
	previousTraceGroups *ProcessorState[string],
	traceID []byte,
) (string, error) {
	name, err := currentTraceGroups.Get(traceID)
	if err != nil {
		return "", err
	}
	if name != nil {
		return *name, nil
	}
	name, err = previousTraceGroups.Get(traceID)
	if err != nil {
		return "", err
	}
	if name == nil {
		return "", nil
	}
	return *name, nil
}

func (p *Processor) isMasterInstance() bool { return p.id == 0 }

// PrepareForShutdown forces an evaluation on the next execute so buffered
// windows flush their edges.
func (p *Processor) PrepareForShutdown() {
	p.group.forceEvaluation()
}

func (p *Processor) IsReadyForShutdown() bool {
	currentSpans, _, _, _ := p.group.windows()
	size, err := currentSpans.Size()
	if err != nil {
		return true
	}
	return size == 0
}

func (p *Processor) Shutdown() {
	p.group.Shutdown()
}
