package otel

import (
	"context"
	"testing"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/stretchr/testify/assert"
	protoTrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonv1 "go.opentelemetry.io/proto/otlp/common/v1"
	resourcev1 "go.opentelemetry.io/proto/otlp/resource/v1"
	tracev1 "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/zap"
)

func exportRequest() *protoTrace.ExportTraceServiceRequest {
	return &protoTrace.ExportTraceServiceRequest{
		ResourceSpans: []*tracev1.ResourceSpans{
			{
				Resource: &resourcev1.Resource{
					Attributes: []*commonv1.KeyValue{
						{
							Key: "service.name",
							Value: &commonv1.AnyValue{
								Value: &commonv1.AnyValue_StringValue{StringValue: "front"},
							},
						},
					},
				},
				ScopeSpans: []*tracev1.ScopeSpans{
					{
						Spans: []*tracev1.Span{
							{
								SpanId:  []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa},
								TraceId: []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
								Name:    "GET /health",
								Kind:    tracev1.Span_SPAN_KIND_SERVER,
							},
						},
					},
				},
			},
		},
	}
}

func TestTraceServiceServerExport(t *testing.T) {
	buf := buffer.NewBlockingBuffer[*event.Record](16, 1, time.Minute)
	server := &traceServiceServer{buf: buf, writeTimeout: time.Second, logger: zap.NewNop()}

	_, err := server.Export(context.Background(), exportRequest())
	assert.NoError(t, err)

	records, token, err := buf.Read(4, time.Second)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
	defer buf.Checkpoint(token)

	e := records[0].Event()
	get := func(key string) string {
		value, found, getErr := e.Get(key)
		assert.NoError(t, getErr)
		assert.True(t, found, "missing key %s", key)
		s, strErr := value.AsString()
		assert.NoError(t, strErr)
		return s
	}
	assert.Equal(t, "aaaaaaaaaaaaaaaa", get("spanId"))
	assert.Equal(t, "0102030405060708090a0b0c0d0e0f10", get("traceId"))
	assert.Equal(t, "", get("parentSpanId"))
	assert.Equal(t, "front", get("serviceName"))
	assert.Equal(t, "GET /health", get("name"))
	assert.Equal(t, "SERVER", get("kind"))
}

func TestTraceServiceServerExportBufferFull(t *testing.T) {
	buf := buffer.NewBlockingBuffer[*event.Record](0, 1, time.Minute)
	server := &traceServiceServer{buf: buf, writeTimeout: 50 * time.Millisecond, logger: zap.NewNop()}

	_, err := server.Export(context.Background(), exportRequest())
	assert.Error(t, err)
}
