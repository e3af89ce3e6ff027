package opensearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"
)

const (
	BulkRequestLatency    = "bulk_request_latency"
	BulkRequestSizeBytes  = "bulk_request_size_bytes"
	BulkRequestErrors     = "bulk_request_errors"
	DocumentsWrittenToDLQ = "documents_written_to_dlq"
)

// ErrInit marks fatal sink initialization failures.
var ErrInit = fmt.Errorf("sink initialization failed")

const defaultShutdownTimeout = 10 * time.Second

// Sink batches records into size-bounded bulk requests against the
// destination cluster, retrying the retryable subset and dead-lettering the
// rest.
type Sink struct {
	cfg             config.SinkConfig
	pipelineName    string
	pluginID        string
	es              *elasticsearch.Client
	httpTransport   *http.Transport
	indexManager    IndexManager
	retryStrategy   *BulkRetryStrategy
	dlqWriter       *DLQWriter
	bulkSizeBytes   int64
	action          BulkAction
	documentIDField string
	shutdownTimeout time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	inFlight sync.WaitGroup
	closed   atomic.Bool

	pluginMetrics *metrics.PluginMetrics
	logger        *zap.Logger
}

// NewSink builds the cluster client and initializes the sink. Initialization
// failures are fatal and release any acquired resources.
func NewSink(
	cfg config.SinkConfig,
	pipelineName string,
	pluginID string,
	pluginMetrics *metrics.PluginMetrics,
	logger *zap.Logger,
) (*Sink, error) {
	httpTransport := &http.Transport{
		ResponseHeaderTimeout: time.Duration(cfg.SocketTimeoutMs) * time.Millisecond,
	}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Hosts,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpTransport,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cluster client: %s", ErrInit, err)
	}
	s, err := newSinkWithClient(es, cfg, pipelineName, pluginID, pluginMetrics, logger)
	if s != nil {
		s.httpTransport = httpTransport
	}
	return s, err
}

func newSinkWithClient(
	es *elasticsearch.Client,
	cfg config.SinkConfig,
	pipelineName string,
	pluginID string,
	pluginMetrics *metrics.PluginMetrics,
	logger *zap.Logger,
) (*Sink, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:             cfg,
		pipelineName:    pipelineName,
		pluginID:        pluginID,
		es:              es,
		bulkSizeBytes:   cfg.BulkSizeBytes(),
		action:          BulkAction(cfg.Action),
		documentIDField: cfg.DocumentIDField,
		shutdownTimeout: defaultShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		pluginMetrics:   pluginMetrics,
		logger:          logger,
	}
	if s.action != ActionCreate {
		s.action = ActionIndex
	}

	if err := s.initialize(ctx); err != nil {
		s.releaseResources()
		return nil, err
	}
	return s, nil
}

func (s *Sink) initialize(ctx context.Context) error {
	s.logger.Info("Initializing bulk sink",
		zap.String("pipeline", s.pipelineName),
		zap.String("index", s.cfg.Index),
	)
	indexManager, err := NewIndexManager(s.es, s.cfg, s.logger)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInit, err)
	}
	if err := indexManager.Setup(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrInit, err)
	}
	s.indexManager = indexManager

	if s.cfg.DLQFile != "" {
		dlqWriter, err := NewDLQWriter(s.cfg.DLQFile, s.pipelineName, s.pluginID, s.logger)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInit, err)
		}
		s.dlqWriter = dlqWriter
	}

	s.retryStrategy = NewBulkRetryStrategy(
		s.submitBulk,
		s.logFailure,
		s.probe,
		s.cfg.MaxRetries,
		50*time.Millisecond,
		10*time.Second,
		s.pluginMetrics,
		s.logger,
	)
	s.logger.Info("Initialized bulk sink", zap.String("pipeline", s.pipelineName))
	return nil
}

// submitBulk posts one bulk payload and classifies the per-item results. A
// transport failure or top-level error response reports the whole request
// as failed.
func (s *Sink) submitBulk(ctx context.Context, request *AccumulatingBulkRequest) ([]BulkResponseEntry, error) {
	payload, err := request.Payload()
	if err != nil {
		return nil, err
	}
	response, err := s.es.Bulk(
		bytes.NewReader(payload),
		s.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk request transport failure: %w", err)
	}
	defer response.Body.Close()
	if response.IsError() {
		return nil, fmt.Errorf("bulk request failed with status %d", response.StatusCode)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bulk response: %w", err)
	}
	return ParseBulkResponse(body)
}

func (s *Sink) probe(ctx context.Context) error {
	response, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("cluster probe failed: %w", err)
	}
	defer response.Body.Close()
	if response.IsError() {
		return fmt.Errorf("cluster probe returned status %d", response.StatusCode)
	}
	return nil
}

// logFailure routes one abandoned operation to the DLQ, or logs it as JSON
// when no DLQ is configured.
func (s *Sink) logFailure(op BulkOperation, failure string, attempt int) {
	if s.pluginMetrics != nil {
		s.pluginMetrics.Counter(DocumentsWrittenToDLQ).Inc()
	}
	if s.dlqWriter != nil {
		s.dlqWriter.Write(op, failure, attempt)
		return
	}
	s.logger.Warn("Document failed with no DLQ configured",
		zap.String("document", string(op.Document)),
		zap.String("failure", failure),
		zap.Int("attempt", attempt),
	)
}

// documentID extracts the configured id field from the event, if any.
func (s *Sink) documentID(e *event.Event) string {
	if s.documentIDField == "" {
		return ""
	}
	value, found, err := e.Get(s.documentIDField)
	if err != nil || !found {
		return ""
	}
	docID, err := value.AsString()
	if err != nil {
		return ""
	}
	return docID
}

// Output batches the records into bulk requests bounded by bulk_size_bytes
// and flushes them. Empty input is a no-op.
func (s *Sink) Output(records []*event.Record) {
	if len(records) == 0 {
		return
	}
	if s.closed.Load() {
		for _, record := range records {
			s.deadLetterRecord(record, "shutdown in progress")
		}
		return
	}
	s.inFlight.Add(1)
	defer s.inFlight.Done()

	request := NewAccumulatingBulkRequest()
	for i, record := range records {
		if s.closed.Load() {
			// Whatever is still accumulated or unprocessed at shutdown
			// goes to the DLQ rather than being silently dropped.
			for _, op := range request.Operations() {
				s.logFailure(op, "shutdown in progress", 0)
			}
			for _, remaining := range records[i:] {
				s.deadLetterRecord(remaining, "shutdown in progress")
			}
			return
		}
		documentJSON, err := record.Event().ToJSONString()
		if err != nil {
			s.logger.Warn("Failed to serialize record, skipping", zap.Error(err))
			continue
		}
		op := BulkOperation{
			Action:     s.action,
			Index:      s.indexManager.IndexAlias(),
			DocumentID: s.documentID(record.Event()),
			Document:   []byte(documentJSON),
		}

		wouldBe, err := request.EstimatedSizeWithOperation(op)
		if err != nil {
			s.logFailure(op, err.Error(), 0)
			continue
		}
		if wouldBe > s.bulkSizeBytes && request.OperationCount() > 0 {
			s.flush(request)
			request = NewAccumulatingBulkRequest()
		}
		if err := request.Add(op); err != nil {
			s.logFailure(op, err.Error(), 0)
		}
	}
	if request.OperationCount() > 0 {
		s.flush(request)
	}
}

func (s *Sink) deadLetterRecord(record *event.Record, failure string) {
	documentJSON, err := record.Event().ToJSONString()
	if err != nil {
		s.logger.Warn("Failed to serialize record for DLQ", zap.Error(err))
		return
	}
	s.logFailure(BulkOperation{
		Action:   s.action,
		Index:    s.cfg.Index,
		Document: []byte(documentJSON),
	}, failure, 0)
}

func (s *Sink) flush(request *AccumulatingBulkRequest) {
	s.timeFlush(func() {
		successes, err := s.retryStrategy.Execute(s.ctx, request)
		if err != nil {
			if s.pluginMetrics != nil {
				s.pluginMetrics.Counter(BulkRequestErrors).Inc()
			}
			s.logger.Error("Bulk request abandoned",
				zap.Int("successes", successes),
				zap.Int("operations", request.OperationCount()),
				zap.Error(err),
			)
		}
		if s.pluginMetrics != nil {
			s.pluginMetrics.Histogram(BulkRequestSizeBytes).Observe(float64(request.EstimatedSizeBytes()))
		}
	})
}

func (s *Sink) timeFlush(fn func()) {
	if s.pluginMetrics != nil {
		s.pluginMetrics.Time(BulkRequestLatency, fn)
		return
	}
	fn()
}

func (s *Sink) releaseResources() {
	s.cancel()
	if s.httpTransport != nil {
		s.httpTransport.CloseIdleConnections()
	}
	if s.dlqWriter != nil {
		if err := s.dlqWriter.Close(); err != nil {
			s.logger.Error("Failed to close DLQ writer", zap.Error(err))
		}
	}
}

// Shutdown lets requests in progress complete up to the shutdown timeout,
// cancels whatever remains, and only then flushes and closes the DLQ
// writer.
func (s *Sink) Shutdown() {
	s.closed.Store(true)

	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Shutdown timeout reached, cancelling in-flight bulk requests")
	}
	s.releaseResources()
}
