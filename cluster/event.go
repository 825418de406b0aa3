package cluster

import "fmt"

// These are the protocol versions that Cluster can _understand_. These are
// the higher-level protocol versions passed down as the delegate version to
// memberlist; ProtocolVersion2Compatible is the version a new node should
// speak unless an operator has a specific reason to pin to an older one.
const (
	ProtocolVersionMin         uint8 = 2
	ProtocolVersionMax         uint8 = 5
	ProtocolVersion2Compatible uint8 = 2
)

// EventType is the type of an Event flowing out of Config.EventCh.
type EventType int

const (
	EventMemberJoin EventType = iota
	EventMemberLeave
	EventMemberFailed
	EventMemberUpdate
	EventMemberReap
	EventUser
	EventQuery
)

func (t EventType) String() string {
	switch t {
	case EventMemberJoin:
		return "member-join"
	case EventMemberLeave:
		return "member-leave"
	case EventMemberFailed:
		return "member-failed"
	case EventMemberUpdate:
		return "member-update"
	case EventMemberReap:
		return "member-reap"
	case EventUser:
		return "user"
	case EventQuery:
		return "query"
	default:
		panic(fmt.Sprintf("unknown EventType: %d", t))
	}
}

// Event is delivered on Config.EventCh. It is one of MemberEvent, UserEvent,
// or *Query.
type Event interface {
	EventType() EventType
}

// MemberEvent is fired when one or more members change status together
// (coalesced by coalesce_member.go when CoalescePeriod is set).
type MemberEvent struct {
	Type    EventType
	Members []Member
}

func (m MemberEvent) EventType() EventType {
	return m.Type
}

// UserEvent is a custom event a node fired with Cluster.UserEvent.
type UserEvent struct {
	LTime    LamportTime
	Name     string
	Payload  []byte
	Coalesce bool
}

func (u UserEvent) EventType() EventType {
	return EventUser
}
