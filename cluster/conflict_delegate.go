package cluster

import "github.com/hashicorp/gossipd/memberlist"

// conflictDelegate adapts memberlist.ConflictDelegate. A conflict about a
// third party's name is just logged, per the "default behavior keeps the
// existing record" rule; a conflict about our own name triggers a
// cluster-wide query to see whether we or the impostor should yield.
type conflictDelegate struct {
	cluster *Cluster
}

func (c *conflictDelegate) NotifyConflict(existing, other *memberlist.Node) {
	cl := c.cluster
	if existing.Name != cl.config.NodeName {
		cl.logger.Printf("[WARN] cluster: name conflict for non-local node %q between %v and %v",
			existing.Name, existing.Address(), other.Address())
		return
	}

	cl.logger.Printf("[WARN] cluster: name conflict for our own name %q between %v and %v",
		existing.Name, existing.Address(), other.Address())

	if !cl.config.EnableNameConflictResolution {
		return
	}
	go cl.resolveNameConflict()
}

// resolveNameConflict queries the cluster for who it believes owns our
// name; if a majority of responses point to a different address than our
// own, we shut down rather than keep fighting over the name.
func (c *Cluster) resolveNameConflict() {
	qName := internalQueryName(conflictQuery)
	payload := []byte(c.config.NodeName)

	resp, err := c.Query(qName, payload, nil)
	if err != nil {
		c.logger.Printf("[ERR] cluster: failed to start name conflict query: %v", err)
		return
	}

	local := c.memberlist.LocalNode()
	var responses, matching int
	respCh := resp.ResponseCh()
	for r := range respCh {
		responses++

		var other Member
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageConflictResponseType {
			c.logger.Printf("[ERR] cluster: invalid conflict query response type from %s", r.From)
			continue
		}
		if err := decodeMessage(r.Payload[1:], &other); err != nil {
			c.logger.Printf("[ERR] cluster: failed to decode conflict query response from %s: %v", r.From, err)
			continue
		}
		if other.Addr.Equal(local.Addr) && other.Port == local.Port {
			matching++
		}
	}

	if responses == 0 {
		c.logger.Printf("[WARN] cluster: no responses to name conflict query, yielding no ground")
		return
	}
	if matching*2 < responses {
		c.logger.Printf("[ERR] cluster: majority of the cluster resolved our name %q to a different "+
			"address; shutting down to avoid a split-brain identity", c.config.NodeName)
		if err := c.Shutdown(); err != nil {
			c.logger.Printf("[ERR] cluster: error during conflict-triggered shutdown: %v", err)
		}
	}
}
