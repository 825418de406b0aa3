package memberlist

import (
	"net"
	"strconv"
	"time"
)

// NodeStateType is the SWIM state a node can be in, as seen by the local
// node. It is entirely local bookkeeping: two peers can disagree about a
// third node's state until gossip converges.
type NodeStateType int

const (
	StateAlive NodeStateType = iota
	StateSuspect
	StateDead
	StateLeft
)

func (s NodeStateType) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Node is a point-in-time snapshot of what the local node believes about
// a single cluster member.
type Node struct {
	Name  string
	Addr  net.IP
	Port  uint16
	Meta  []byte
	State NodeStateType

	PMin, PMax, PCur uint8
	DMin, DMax, DCur uint8
}

func (n *Node) Address() string {
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// nodeState is the full bookkeeping record the engine keeps per member,
// embedding the point-in-time Node snapshot callers see plus the
// incarnation and timing data the state machine needs.
type nodeState struct {
	Node

	Incarnation uint32
	StateChange time.Time

	// suspicion tracks the accelerating suspicion timer while State is
	// StateSuspect; nil otherwise.
	suspicion *suspicion
}

func (n *nodeState) DeadOrLeft() bool {
	return n.State == StateDead || n.State == StateLeft
}

// aliveMsg is what flows in from the wire or from a push/pull merge when
// asserting that a node is alive at a given incarnation.
type aliveMsg struct {
	Incarnation uint32
	Node        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Vsn         []uint8 // [PMin, PMax, PCur, DMin, DMax, DCur]
}

type suspectMsg struct {
	Incarnation uint32
	Node        string
	From        string
}

type deadMsg struct {
	Incarnation uint32
	Node        string
	From        string
}
