package peerforwarder

import (
	"context"
	"strings"

	"github.com/Avi18971911/Flume/pkg/buffer"
	"github.com/Avi18971911/Flume/pkg/event"
	"github.com/Avi18971911/Flume/pkg/metrics"
	"go.uber.org/zap"
)

// identificationKeySeparator cannot appear in field values, so concatenated
// renderings form an unambiguous partition key.
const identificationKeySeparator = "\x1f"

const (
	RecordsForwarded       = "records_forwarded"
	RecordsFailedForwarded = "records_failed_forwarding"
)

// PeerForwarder routes a batch of records by identification key: records
// whose key hashes to another node are dispatched over the wire, records
// that hash locally are returned for in-place processing.
type PeerForwarder interface {
	Forward(records []*event.Record) []*event.Record
}

// LocalPeerForwarder short-circuits forwarding when discovery is local-only
// or the ring contains just this node.
type LocalPeerForwarder struct{}

func (f *LocalPeerForwarder) Forward(records []*event.Record) []*event.Record {
	return records
}

// RemotePeerForwarder partitions batches across the hash ring and sends
// remote groups to their owning peers. Records whose dispatch fails fall
// back to local processing after logging.
type RemotePeerForwarder struct {
	client             *Client
	hashRing           *HashRing
	localEndpoint      string
	pipelineName       string
	pluginID           string
	identificationKeys []string
	pluginMetrics      *metrics.PluginMetrics
	logger             *zap.Logger
}

func NewRemotePeerForwarder(
	client *Client,
	hashRing *HashRing,
	localEndpoint string,
	pipelineName string,
	pluginID string,
	identificationKeys []string,
	pluginMetrics *metrics.PluginMetrics,
	logger *zap.Logger,
) *RemotePeerForwarder {
	return &RemotePeerForwarder{
		client:             client,
		hashRing:           hashRing,
		localEndpoint:      localEndpoint,
		pipelineName:       pipelineName,
		pluginID:           pluginID,
		identificationKeys: identificationKeys,
		pluginMetrics:      pluginMetrics,
		logger:             logger,
	}
}

// partitionKey renders the identification key fields of one event. The
// second return is false when any key is missing, which means the event is
// processed locally.
func (f *RemotePeerForwarder) partitionKey(e *event.Event) (string, bool) {
	renderings := make([]string, 0, len(f.identificationKeys))
	for _, key := range f.identificationKeys {
		value, found, err := e.Get(key)
		if err != nil || !found {
			return "", false
		}
		renderings = append(renderings, value.Render())
	}
	return strings.Join(renderings, identificationKeySeparator), true
}

// Forward splits the batch into the local group and per-peer groups, then
// dispatches each remote group. The returned slice is the local batch.
func (f *RemotePeerForwarder) Forward(records []*event.Record) []*event.Record {
	local := make([]*event.Record, 0, len(records))
	perPeer := map[string][]*event.Record{}

	for _, record := range records {
		key, ok := f.partitionKey(record.Event())
		if !ok {
			local = append(local, record)
			continue
		}
		peer := f.hashRing.PeerFor(key)
		if peer == "" || peer == f.localEndpoint {
			local = append(local, record)
			continue
		}
		perPeer[peer] = append(perPeer[peer], record)
	}

	for peer, group := range perPeer {
		err := f.client.ForwardRecords(context.Background(), peer, f.pipelineName, f.pluginID, group)
		if err != nil {
			f.logger.Warn("Failed to forward records to peer, processing locally",
				zap.String("peer", peer),
				zap.Int("records", len(group)),
				zap.Error(err),
			)
			if f.pluginMetrics != nil {
				f.pluginMetrics.Counter(RecordsFailedForwarded).Add(float64(len(group)))
			}
			local = append(local, group...)
			continue
		}
		if f.pluginMetrics != nil {
			f.pluginMetrics.Counter(RecordsForwarded).Add(float64(len(group)))
		}
	}
	return local
}

// ReceiveBuffer is the per-(pipeline, plugin) inbound queue for forwarded
// records.
type ReceiveBuffer = buffer.BlockingBuffer[*event.Record]
