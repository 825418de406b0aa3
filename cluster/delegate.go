package cluster

import "github.com/hashicorp/gossipd/memberlist"

// delegate adapts memberlist.Delegate: NodeMeta carries our tags, NotifyMsg
// dispatches every gossiped intent/event/query frame, GetBroadcasts merges
// our three priority queues (membership intents, user events, queries)
// into memberlist's outgoing packets, and Local/MergeRemoteState drive the
// push/pull anti-entropy exchange.
type delegate struct {
	cluster *Cluster
}

func (d *delegate) NodeMeta(limit int) []byte {
	want := d.cluster.encodeTags(d.cluster.config.Tags)
	if len(want) > limit {
		d.cluster.logger.Printf("[WARN] cluster: encoded tags (%d bytes) exceed the %d byte limit; "+
			"truncating to an empty tag set", len(want), limit)
		return nil
	}
	return want
}

func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}

	c := d.cluster
	t := messageType(buf[0])
	rest := buf[1:]

	switch t {
	case messageLeaveType:
		var leave messageLeave
		if err := decodeMessage(rest, &leave); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode leave message: %v", err)
			return
		}
		if c.handleNodeLeaveIntent(&leave) {
			c.broadcasts.QueueBroadcast(&broadcastMessage{key: leave.Node, msg: buf})
		}

	case messageJoinType:
		var join messageJoin
		if err := decodeMessage(rest, &join); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode join message: %v", err)
			return
		}
		if c.handleNodeJoinIntent(&join) {
			c.broadcasts.QueueBroadcast(&broadcastMessage{key: join.Node, msg: buf})
		}

	case messageUserEventType:
		var event messageUserEvent
		if err := decodeMessage(rest, &event); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode user event message: %v", err)
			return
		}
		if c.handleUserEvent(&event) {
			c.eventBroadcasts.QueueBroadcast(&broadcastMessage{msg: buf})
		}

	case messageQueryType:
		var query messageQuery
		if err := decodeMessage(rest, &query); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode query message: %v", err)
			return
		}
		if c.handleQuery(&query) {
			c.queryBroadcasts.QueueBroadcast(&broadcastMessage{msg: buf})
		}

	case messageQueryResponseType:
		var resp messageQueryResponse
		if err := decodeMessage(rest, &resp); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode query response message: %v", err)
			return
		}
		c.handleQueryResponse(&resp)

	case messageRelayType:
		dest, raw, err := decodeRelayMessage(rest)
		if err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode relay message: %v", err)
			return
		}
		if err := c.memberlist.SendTo(dest, raw); err != nil {
			c.logger.Printf("[ERR] cluster: failed to forward relayed message to %s: %v", dest, err)
		}

	default:
		c.logger.Printf("[WARN] cluster: received message of unknown type: %d", t)
	}
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	var out [][]byte

	for _, q := range []*memberlist.TransmitLimitedQueue{d.cluster.broadcasts, d.cluster.eventBroadcasts, d.cluster.queryBroadcasts} {
		if limit <= 0 {
			break
		}
		msgs := q.GetBroadcasts(overhead, limit)
		for _, m := range msgs {
			out = append(out, m)
			limit -= len(m) + overhead
		}
	}
	return out
}

func (d *delegate) LocalState(join bool) []byte {
	return d.cluster.localState(join)
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	d.cluster.mergeRemoteState(buf, join)
}
