package otel

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
	protoTrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracev1 "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const spanEventType = "span"
const defaultWriteTimeout = 5 * time.Second

// TraceSource receives OpenTelemetry spans over gRPC and writes them as span
// events into the pipeline's buffer.
type TraceSource struct {
	port         int
	writeTimeout time.Duration
	server       *grpc.Server
	logger       *zap.Logger
}

func NewTraceSource(port int, logger *zap.Logger) *TraceSource {
	return &TraceSource{
		port:         port,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
}

func (s *TraceSource) Start(buf *buffer.BlockingBuffer[*event.Record]) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.server = grpc.NewServer()
	protoTrace.RegisterTraceServiceServer(s.server, &traceServiceServer{
		buf:          buf,
		writeTimeout: s.writeTimeout,
		logger:       s.logger,
	})
	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Trace source server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("gRPC trace source started, listening for OpenTelemetry traces",
		zap.Int("port", s.port),
	)
	return nil
}

func (s *TraceSource) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

type traceServiceServer struct {
	protoTrace.UnimplementedTraceServiceServer
	buf          *buffer.BlockingBuffer[*event.Record]
	writeTimeout time.Duration
	logger       *zap.Logger
}

func (t *traceServiceServer) Export(
	ctx context.Context,
	req *protoTrace.ExportTraceServiceRequest,
) (*protoTrace.ExportTraceServiceResponse, error) {
	var records []*event.Record
	for _, resourceSpan := range req.ResourceSpans {
		serviceName := getServiceName(resourceSpan)
		if serviceName == "" {
			t.logger.Warn("Service name not found in resource span")
		}
		for _, scopeSpan := range resourceSpan.ScopeSpans {
			for _, span := range scopeSpan.Spans {
				records = append(records, event.NewRecord(spanToEvent(span, serviceName)))
			}
		}
	}
	if err := t.buf.WriteAll(records, t.writeTimeout); err != nil {
		t.logger.Error("Failed to buffer exported spans",
			zap.Int("spans", len(records)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to buffer exported spans: %w", err)
	}
	return &protoTrace.ExportTraceServiceResponse{}, nil
}

func getServiceName(resourceSpan *tracev1.ResourceSpans) string {
	if resourceSpan.Resource == nil {
		return ""
	}
	for _, attr := range resourceSpan.Resource.Attributes {
		if attr.Key == "service.name" {
			return attr.Value.GetStringValue()
		}
	}
	return ""
}

func spanToEvent(span *tracev1.Span, serviceName string) *event.Event {
	return event.New(spanEventType, map[string]interface{}{
		"spanId":       hex.EncodeToString(span.SpanId),
		"parentSpanId": hex.EncodeToString(span.ParentSpanId),
		"traceId":      hex.EncodeToString(span.TraceId),
		"serviceName":  serviceName,
		"name":         span.Name,
		"kind":         strings.TrimPrefix(span.Kind.String(), "SPAN_KIND_"),
		"startTime":    time.Unix(0, int64(span.StartTimeUnixNano)).UTC().Format(time.RFC3339Nano),
		"endTime":      time.Unix(0, int64(span.EndTimeUnixNano)).UTC().Format(time.RFC3339Nano),
	})
}
