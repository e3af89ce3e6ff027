package opensearch

import (
	"context"
	"fmt"
	"time"

	"github.com/Avi18971911/Flume/pkg/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	BulkRequestRetries = "bulk_request_retries"
	BulkErrorsPrefix   = "bulk_errors_"
)

// SubmitFunc sends one bulk request and returns the classified per-operation
// entries. An error return means the whole request failed in transport.
type SubmitFunc func(ctx context.Context, request *AccumulatingBulkRequest) ([]BulkResponseEntry, error)

// FailureFunc receives operations the strategy has given up on.
type FailureFunc func(op BulkOperation, failure string, attempt int)

// ProbeFunc is the diagnostic issued after a whole-request failure to
// distinguish recoverable from permanent connectivity loss.
type ProbeFunc func(ctx context.Context) error

// BulkRetryStrategy re-sends the retryable subset of a bulk request with
// exponential backoff and jitter until it succeeds, retries are exhausted,
// or connectivity is diagnosed as permanently lost.
type BulkRetryStrategy struct {
	submit         SubmitFunc
	logFailure     FailureFunc
	probe          ProbeFunc
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pluginMetrics  *metrics.PluginMetrics
	logger         *zap.Logger
}

func NewBulkRetryStrategy(
	submit SubmitFunc,
	logFailure FailureFunc,
	probe ProbeFunc,
	maxRetries int,
	initialBackoff time.Duration,
	maxBackoff time.Duration,
	pluginMetrics *metrics.PluginMetrics,
	logger *zap.Logger,
) *BulkRetryStrategy {
	if initialBackoff <= 0 {
		initialBackoff = 50 * time.Millisecond
	}
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Second
	}
	return &BulkRetryStrategy{
		submit:         submit,
		logFailure:     logFailure,
		probe:          probe,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		pluginMetrics:  pluginMetrics,
		logger:         logger,
	}
}

func (s *BulkRetryStrategy) countErrorKind(kind ErrorKind) {
	if s.pluginMetrics != nil {
		s.pluginMetrics.Counter(BulkErrorsPrefix + kind.String()).Inc()
	}
}

// Execute drives the request to completion. The returned count is the number
// of operations that succeeded across all attempts.
func (s *BulkRetryStrategy) Execute(ctx context.Context, request *AccumulatingBulkRequest) (int, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.initialBackoff
	expBackoff.MaxInterval = s.maxBackoff
	expBackoff.MaxElapsedTime = 0
	expBackoff.Reset()

	pending := request
	successes := 0
	probed := false

	for attempt := 1; ; attempt++ {
		entries, err := s.submit(ctx, pending)

		var retryOps []BulkOperation
		if err != nil {
			// Transport failure: every operation in the request is
			// retryable, unless a probe shows the cluster is gone.
			s.countErrorKind(ErrorNetwork)
			if !probed && s.probe != nil {
				probed = true
				if probeErr := s.probe(ctx); probeErr != nil {
					s.logger.Error("Cluster unreachable after bulk failure, abandoning request",
						zap.Error(probeErr),
					)
					s.failAll(pending.Operations(), fmt.Sprintf("cluster unreachable: %s", err), attempt)
					return successes, fmt.Errorf("cluster unreachable: %w", err)
				}
			}
			s.logger.Warn("Bulk request failed in transport, retrying all operations",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			retryOps = pending.Operations()
		} else {
			operations := pending.Operations()
			for _, entry := range entries {
				if entry.OperationIndex >= len(operations) {
					continue
				}
				op := operations[entry.OperationIndex]
				switch {
				case entry.ErrorKind == ErrorNone:
					successes++
				case entry.ErrorKind == ErrorVersionConflict && op.Action == ActionCreate && op.DocumentID != "":
					// An idempotent re-send of a create with an explicit
					// id; the document is already there.
					successes++
					s.countErrorKind(ErrorVersionConflict)
				case entry.ErrorKind.Retryable():
					s.countErrorKind(entry.ErrorKind)
					retryOps = append(retryOps, op)
				default:
					s.countErrorKind(entry.ErrorKind)
					s.logFailure(op, entry.ErrorReason, attempt)
				}
			}
			if len(retryOps) == 0 {
				return successes, nil
			}
		}

		if s.maxRetries > 0 && attempt >= s.maxRetries {
			s.failAll(retryOps, fmt.Sprintf("retries exhausted after %d attempts", attempt), attempt)
			return successes, fmt.Errorf("bulk request failed after %d attempts", attempt)
		}

		if s.pluginMetrics != nil {
			s.pluginMetrics.Counter(BulkRequestRetries).Inc()
		}
		wait := expBackoff.NextBackOff()
		select {
		case <-ctx.Done():
			s.failAll(retryOps, "shutdown in progress", attempt)
			return successes, ctx.Err()
		case <-time.After(wait):
		}

		next := NewAccumulatingBulkRequest()
		for _, op := range retryOps {
			if addErr := next.Add(op); addErr != nil {
				s.logFailure(op, addErr.Error(), attempt)
			}
		}
		pending = next
	}
}

func (s *BulkRetryStrategy) failAll(ops []BulkOperation, failure string, attempt int) {
	for _, op := range ops {
		s.logFailure(op, failure, attempt)
	}
}
