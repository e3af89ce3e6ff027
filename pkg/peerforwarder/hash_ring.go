package peerforwarder

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

type ringPoint struct {
	hash     uint64
	endpoint string
}

// HashRing is a consistent hash over the configured peer endpoints. Each
// peer contributes virtualNodesPerPeer points so that keys spread evenly and
// membership changes move few keys. For fixed membership the peer chosen for
// a key is deterministic and identical on every node.
type HashRing struct {
	points []ringPoint
}

func NewHashRing(endpoints []string, virtualNodesPerPeer int) *HashRing {
	if virtualNodesPerPeer <= 0 {
		virtualNodesPerPeer = 1
	}
	points := make([]ringPoint, 0, len(endpoints)*virtualNodesPerPeer)
	for _, endpoint := range endpoints {
		for i := 0; i < virtualNodesPerPeer; i++ {
			points = append(points, ringPoint{
				hash:     xxhash.Sum64String(fmt.Sprintf("%s-%d", endpoint, i)),
				endpoint: endpoint,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].hash < points[j].hash })
	return &HashRing{points: points}
}

// PeerFor maps a partition key to the owning peer endpoint.
func (r *HashRing) PeerFor(key string) string {
	if len(r.points) == 0 {
		return ""
	}
	keyHash := xxhash.Sum64String(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= keyHash })
	if idx == len(r.points) {
		idx = 0
	}
	return r.points[idx].endpoint
}

func (r *HashRing) Size() int {
	return len(r.points)
}
