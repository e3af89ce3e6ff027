package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	assert.Equal(t, 128, cfg.Pipeline.ReadBatchSize)
	assert.Equal(t, time.Second, cfg.Pipeline.ReadTimeout())
	assert.Equal(t, 3*time.Second, cfg.Pipeline.Delay())
	assert.Equal(t, 512, cfg.Buffer.BufferSize)
	assert.Equal(t, 128, cfg.Buffer.BatchSize)
	assert.Equal(t, int64(5*1024*1024), cfg.Sink.BulkSizeBytes())
	assert.Equal(t, "index", cfg.Sink.Action)
	assert.Equal(t, 180*time.Second, cfg.ServiceMap.WindowDuration())
	assert.Equal(t, "/tmp/data-prepper/service-map", cfg.ServiceMap.DBPath)
	assert.Equal(t, DiscoveryLocalNode, cfg.PeerForwarder.DiscoveryMode)
	assert.Equal(t, 128, cfg.PeerForwarder.VirtualNodesPerPeer)
}

func TestLoadOverridesDefaults(t *testing.T) {
	configYAML := `
pipeline:
  workers: 4
  read_batch_size: 64
buffer:
  buffer_size: 1024
sink:
  hosts: ["http://opensearch:9200"]
  index: traces
  index_type: trace-analytics-raw
  action: create
  bulk_size_mb: 2.5
service_map:
  window_duration_seconds: 60
peer_forwarder:
  discovery_mode: static
  static_endpoints: ["node-0:4994", "node-1:4994"]
`
	path := filepath.Join(t.TempDir(), "flume.yaml")
	assert.NoError(t, os.WriteFile(path, []byte(configYAML), 0644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 64, cfg.Pipeline.ReadBatchSize)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1000, cfg.Pipeline.ReadTimeoutMs)
	assert.Equal(t, 1024, cfg.Buffer.BufferSize)
	assert.Equal(t, 128, cfg.Buffer.BatchSize)
	assert.Equal(t, IndexTypeTraceRaw, cfg.Sink.IndexType)
	assert.Equal(t, "create", cfg.Sink.Action)
	assert.Equal(t, int64(2.5*1024*1024), cfg.Sink.BulkSizeBytes())
	assert.Equal(t, 60*time.Second, cfg.ServiceMap.WindowDuration())
	assert.Equal(t, DiscoveryStatic, cfg.PeerForwarder.DiscoveryMode)
	assert.Len(t, cfg.PeerForwarder.StaticEndpoints, 2)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
