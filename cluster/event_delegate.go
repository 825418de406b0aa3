package cluster

import "github.com/hashicorp/gossipd/memberlist"

// eventDelegate adapts memberlist's EventDelegate interface to the
// Cluster-level join/leave/update handlers.
type eventDelegate struct {
	cluster *Cluster
}

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.cluster.handleNodeJoin(n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.cluster.handleNodeLeave(n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.cluster.handleNodeUpdate(n)
}
