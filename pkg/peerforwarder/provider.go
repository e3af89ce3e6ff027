package peerforwarder

import (
	"fmt"
	"sync"
	"time"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/config"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"go.uber.org/zap"
)

// Provider hands out one PeerForwarder and one receive buffer per
// (pipeline, plugin) registration. The registry is a two-level mapping with
// the composite key (pipeline name, plugin id).
type Provider struct {
	cfg            config.PeerForwarderConfig
	client         *Client
	localEndpoint  string
	hashRing       *HashRing
	mu             sync.Mutex
	receiveBuffers map[string]map[string]*ReceiveBuffer
	logger         *zap.Logger
}

func NewProvider(cfg config.PeerForwarderConfig, localEndpoint string, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:            cfg,
		client:         NewClient(cfg.TargetBatchTimeout(), logger),
		localEndpoint:  localEndpoint,
		receiveBuffers: map[string]map[string]*ReceiveBuffer{},
		logger:         logger,
	}
}

// Register creates the receive buffer for the given pipeline and plugin and
// returns the forwarder to route batches through. Only one registration per
// (pipeline, plugin) pair is supported.
func (p *Provider) Register(
	pipelineName string,
	pluginID string,
	identificationKeys []string,
	pluginMetrics *metrics.PluginMetrics,
) (PeerForwarder, *ReceiveBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pluginBuffers, ok := p.receiveBuffers[pipelineName]
	if !ok {
		pluginBuffers = map[string]*ReceiveBuffer{}
		p.receiveBuffers[pipelineName] = pluginBuffers
	}
	if _, exists := pluginBuffers[pluginID]; exists {
		return nil, nil, fmt.Errorf(
			"only a single peer forwarder per pipeline/plugin pair is supported: %s/%s", pipelineName, pluginID)
	}

	receiveBuffer := buffer.NewBlockingBuffer[*event.Record](
		p.cfg.BufferSize, p.cfg.BatchSize, buffer.DefaultVisibilityTimeout)
	pluginBuffers[pluginID] = receiveBuffer

	if !p.isPeerForwardingRequired() {
		return &LocalPeerForwarder{}, receiveBuffer, nil
	}

	if p.hashRing == nil {
		p.hashRing = NewHashRing(p.cfg.StaticEndpoints, p.cfg.VirtualNodesPerPeer)
	}
	forwarder := NewRemotePeerForwarder(
		p.client,
		p.hashRing,
		p.localEndpoint,
		pipelineName,
		pluginID,
		identificationKeys,
		pluginMetrics,
		p.logger,
	)
	return forwarder, receiveBuffer, nil
}

// receiveBufferFor resolves the inbound queue of a forwarded batch.
func (p *Provider) receiveBufferFor(pipelineName string, pluginID string) (*ReceiveBuffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pluginBuffers, ok := p.receiveBuffers[pipelineName]
	if !ok {
		return nil, false
	}
	receiveBuffer, ok := pluginBuffers[pluginID]
	return receiveBuffer, ok
}

// Receive appends forwarded events into the matching receive buffer.
func (p *Provider) Receive(pipelineName string, pluginID string, events []map[string]interface{}) error {
	receiveBuffer, ok := p.receiveBufferFor(pipelineName, pluginID)
	if !ok {
		return fmt.Errorf("no receive buffer registered for %s/%s", pipelineName, pluginID)
	}
	records := make([]*event.Record, 0, len(events))
	for _, data := range events {
		records = append(records, event.NewRecord(event.New("event", data)))
	}
	writeTimeout := p.cfg.TargetBatchTimeout()
	if writeTimeout <= 0 {
		writeTimeout = time.Second
	}
	if err := receiveBuffer.WriteAll(records, writeTimeout); err != nil {
		return fmt.Errorf("failed to write forwarded records for %s/%s: %w", pipelineName, pluginID, err)
	}
	return nil
}

// isPeerForwardingRequired reports whether any records can leave this node:
// local-node discovery or a static ring of at most this one peer means no.
func (p *Provider) isPeerForwardingRequired() bool {
	if p.cfg.DiscoveryMode == config.DiscoveryLocalNode {
		return false
	}
	if p.cfg.DiscoveryMode == config.DiscoveryStatic && len(p.cfg.StaticEndpoints) <= 1 {
		return false
	}
	return true
}

// Shutdown drains every receive buffer.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pluginBuffers := range p.receiveBuffers {
		for _, receiveBuffer := range pluginBuffers {
			receiveBuffer.Shutdown()
		}
	}
}
