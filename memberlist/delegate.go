package memberlist

import "time"

// Delegate is the interface a higher layer implements to ride on top of
// the gossip engine: to advertise node metadata, to inject its own
// application messages onto the UDP/gossip path, and to exchange extra
// state during a push/pull anti-entropy round.
type Delegate interface {
	// NodeMeta returns the metadata to gossip alongside this node, such
	// as tags. The returned slice must not exceed limit bytes.
	NodeMeta(limit int) []byte

	// NotifyMsg is invoked for every user-level message piggybacked on a
	// gossip/probe packet or delivered directly. The slice is only valid
	// for the duration of the call.
	NotifyMsg(buf []byte)

	// GetBroadcasts is called when building an outgoing packet to append
	// up to limit bytes (after overhead) of application broadcasts.
	GetBroadcasts(overhead, limit int) [][]byte

	// LocalState is used during push/pull to capture this node's extra
	// application-level state; join is true if this is for a join.
	LocalState(join bool) []byte

	// MergeRemoteState is used during push/pull to ingest a peer's
	// application-level state captured via LocalState.
	MergeRemoteState(buf []byte, join bool)
}

// EventDelegate is notified of membership changes the engine observes.
type EventDelegate interface {
	NotifyJoin(node *Node)
	NotifyLeave(node *Node)
	NotifyUpdate(node *Node)
}

// MergeDelegate is consulted before accepting a push/pull state exchange,
// giving the higher layer a veto. Alive messages arriving through gossip
// are not passed to it.
type MergeDelegate interface {
	NotifyMerge(nodes []*Node) error
}

// ConflictDelegate is notified when an Alive message claims a name this
// node already has a record for, but at a different address.
type ConflictDelegate interface {
	NotifyConflict(existing, other *Node)
}

// PingDelegate is notified whenever a probe is acked, whether by the target
// directly or relayed through an indirect probe (a relayed ack carries no
// payload), and may attach an opaque payload to the ack (used by cluster
// to exchange Vivaldi coordinates).
type PingDelegate interface {
	AckPayload() []byte
	NotifyPingComplete(other *Node, rtt time.Duration, payload []byte)
}

// Broadcast is a message queued for piggyback gossip. Invalidates reports
// whether this broadcast supersedes (and should drop) another queued one
// about the same logical subject.
type Broadcast interface {
	Invalidates(other Broadcast) bool
	Message() []byte
	Finished()
}
