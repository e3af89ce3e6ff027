package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig holds the executor options of one pipeline.
type PipelineConfig struct {
	Workers       int `yaml:"workers"`
	ReadBatchSize int `yaml:"read_batch_size"`
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	DelayMs       int `yaml:"delay"`
}

type BufferConfig struct {
	BufferSize int `yaml:"buffer_size"`
	BatchSize  int `yaml:"batch_size"`
}

// IndexType selects the sink's index management strategy.
type IndexType string

const (
	IndexTypeTraceRaw           IndexType = "trace-analytics-raw"
	IndexTypeTraceServiceMap    IndexType = "trace-analytics-service-map"
	IndexTypeCustom             IndexType = "custom"
	IndexTypeManagementDisabled IndexType = "management-disabled"
)

type SinkConfig struct {
	Hosts            []string  `yaml:"hosts"`
	Username         string    `yaml:"username"`
	Password         string    `yaml:"password"`
	AWSSigV4         bool      `yaml:"aws_sigv4"`
	Cert             string    `yaml:"cert"`
	SocketTimeoutMs  int       `yaml:"socket_timeout_ms"`
	ConnectTimeoutMs int       `yaml:"connect_timeout_ms"`
	Index            string    `yaml:"index"`
	IndexType        IndexType `yaml:"index_type"`
	TemplateFile     string    `yaml:"template_file"`
	DocumentIDField  string    `yaml:"document_id_field"`
	Action           string    `yaml:"action"`
	BulkSizeMB       float64   `yaml:"bulk_size_mb"`
	DLQFile          string    `yaml:"dlq_file"`
	MaxRetries       int       `yaml:"max_retries"`
	ISMPolicyFile    string    `yaml:"ism_policy_file"`
}

type ServiceMapConfig struct {
	WindowDurationSeconds int    `yaml:"window_duration_seconds"`
	DBPath                string `yaml:"db_path"`
}

// DiscoveryMode selects how peer-forwarder endpoints are discovered.
type DiscoveryMode string

const (
	DiscoveryLocalNode   DiscoveryMode = "local_node"
	DiscoveryStatic      DiscoveryMode = "static"
	DiscoveryDNS         DiscoveryMode = "dns"
	DiscoveryAWSCloudMap DiscoveryMode = "aws_cloud_map"
)

type PeerForwarderConfig struct {
	DiscoveryMode        DiscoveryMode `yaml:"discovery_mode"`
	StaticEndpoints      []string      `yaml:"static_endpoints"`
	Port                 int           `yaml:"port"`
	SSLCertFile          string        `yaml:"ssl_certificate_file"`
	SSLKeyFile           string        `yaml:"ssl_key_file"`
	TargetBatchSize      int           `yaml:"target_batch_size"`
	TargetBatchTimeoutMs int           `yaml:"target_batch_timeout_ms"`
	VirtualNodesPerPeer  int           `yaml:"virtual_nodes_per_peer"`
	BufferSize           int           `yaml:"buffer_size"`
	BatchSize            int           `yaml:"batch_size"`
}

// Config is the root of the recognized options.
type Config struct {
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Sink          SinkConfig          `yaml:"sink"`
	ServiceMap    ServiceMapConfig    `yaml:"service_map"`
	PeerForwarder PeerForwarderConfig `yaml:"peer_forwarder"`
	SourcePort    int                 `yaml:"source_port"`
}

// Default returns a Config populated with every documented default.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			Workers:       1,
			ReadBatchSize: 128,
			ReadTimeoutMs: 1000,
			DelayMs:       3000,
		},
		Buffer: BufferConfig{
			BufferSize: 512,
			BatchSize:  128,
		},
		Sink: SinkConfig{
			Hosts:      []string{"http://localhost:9200"},
			IndexType:  IndexTypeCustom,
			Action:     "index",
			BulkSizeMB: 5,
			MaxRetries: 0, // 0 means retry without bound
		},
		ServiceMap: ServiceMapConfig{
			WindowDurationSeconds: 180,
			DBPath:                "/tmp/data-prepper/service-map",
		},
		PeerForwarder: PeerForwarderConfig{
			DiscoveryMode:        DiscoveryLocalNode,
			Port:                 4994,
			TargetBatchSize:      48,
			TargetBatchTimeoutMs: 3000,
			VirtualNodesPerPeer:  128,
			BufferSize:           512,
			BatchSize:            128,
		},
		SourcePort: 21890,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(configBytes, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c PipelineConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c PipelineConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

func (c ServiceMapConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowDurationSeconds) * time.Second
}

func (c SinkConfig) BulkSizeBytes() int64 {
	return int64(c.BulkSizeMB * 1024 * 1024)
}

func (c PeerForwarderConfig) TargetBatchTimeout() time.Duration {
	return time.Duration(c.TargetBatchTimeoutMs) * time.Millisecond
}
