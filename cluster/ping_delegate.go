package cluster

import (
	"bytes"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/serf/coordinate"
	"github.com/hashicorp/gossipd/memberlist"
)

// pingDelegate is notified whenever memberlist completes a direct ping of a
// peer, letting us feed the round-trip time into our Vivaldi coordinate
// client and cache the peer's own coordinate.
type pingDelegate struct {
	cluster *Cluster
}

// PingVersion is an internal version for the ping payload, independent of
// the cluster/memberlist protocol versions, so the coordinate encoding can
// change without a full protocol bump.
const PingVersion = 1

func (p *pingDelegate) AckPayload() []byte {
	var buf bytes.Buffer
	buf.WriteByte(PingVersion)

	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(p.cluster.coordClient.GetCoordinate()); err != nil {
		p.cluster.logger.Printf("[ERR] cluster: failed to encode coordinate: %v", err)
	}
	return buf.Bytes()
}

func (p *pingDelegate) NotifyPingComplete(other *memberlist.Node, rtt time.Duration, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if payload[0] != PingVersion {
		p.cluster.logger.Printf("[ERR] cluster: unsupported ping version: %d", payload[0])
		return
	}

	var coord coordinate.Coordinate
	dec := codec.NewDecoder(bytes.NewReader(payload[1:]), msgpackHandle)
	if err := dec.Decode(&coord); err != nil {
		p.cluster.logger.Printf("[ERR] cluster: failed to decode coordinate from ping: %v", err)
		return
	}

	before := p.cluster.coordClient.GetCoordinate()
	after, err := p.cluster.coordClient.Update(other.Name, &coord, rtt)
	if err != nil {
		metrics.IncrCounterWithLabels([]string{"cluster", "coordinate", "rejected"}, 1, p.cluster.metricLabels)
		p.cluster.logger.Printf("[DEBUG] cluster: rejected coordinate from %s: %v", other.Name, err)
		return
	}

	d := float32(before.DistanceTo(after)) / float32(time.Millisecond)
	metrics.AddSampleWithLabels([]string{"cluster", "coordinate", "adjustment-ms"}, d, p.cluster.metricLabels)

	p.cluster.coordCacheLock.Lock()
	p.cluster.coordCache[other.Name] = &coord
	p.cluster.coordCache[p.cluster.config.NodeName] = after
	p.cluster.coordCacheLock.Unlock()
}
