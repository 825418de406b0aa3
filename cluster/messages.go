package cluster

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType tags every frame this package puts on the memberlist gossip
// channel or a push/pull user-state blob.
type messageType uint8

const (
	messageLeaveType messageType = iota
	messageJoinType
	messagePushPullType
	messageUserEventType
	messageQueryType
	messageQueryResponseType
	messageConflictResponseType
	messageKeyRequestType
	messageKeyResponseType
	messageRelayType
)

// filterType is used with a queryFilter to specify the type of filter
// being sent along with a Query.
type filterType uint8

const (
	filterNodeType filterType = iota
	filterTagType
)

// messageJoin is broadcast when a node joins, associating it with the
// lamport time of the join so a stale leave can be refuted.
type messageJoin struct {
	LTime LamportTime
	Node  string
}

// messageLeave is broadcast to signal an intentional departure.
type messageLeave struct {
	LTime LamportTime
	Node  string
}

// messagePushPull is exchanged during push/pull anti-entropy as the opaque
// Delegate.LocalState/MergeRemoteState payload: per-member status Lamport
// times plus the recent user-event window and the three clocks.
type messagePushPull struct {
	LTime        LamportTime
	StatusLTimes map[string]LamportTime
	LeftMembers  []string
	EventLTime   LamportTime
	Events       []*userEvents
	QueryLTime   LamportTime
}

// messageUserEvent is broadcast for a user-generated event.
type messageUserEvent struct {
	LTime   LamportTime
	Name    string
	Payload []byte
	CC      bool // "Can Coalesce"
}

// messageQuery is broadcast for a query event.
type messageQuery struct {
	LTime      LamportTime
	ID         uint32
	Addr       []byte
	Port       uint16
	Filters    [][]byte
	Flags      uint32
	RelayFactor uint8
	Timeout    time.Duration
	Name       string
	Payload    []byte
}

const (
	queryFlagAck uint32 = 1 << iota
	queryFlagNoBroadcast
)

// filterNode is used with filterNodeType: only the named nodes should
// respond.
type filterNode []string

// filterTag is used with filterTagType: only nodes with a tag matching the
// regular expression should respond.
type filterTag struct {
	Tag  string
	Expr string
}

// messageQueryResponse is sent in reply to a Query, either as an ack or a
// response carrying a payload.
type messageQueryResponse struct {
	LTime   LamportTime
	ID      uint32
	From    string
	Flags   uint32
	Payload []byte
}

var msgpackHandle = &codec.MsgpackHandle{}

// encodeRelayMessage wraps raw (itself a complete, type-tagged message)
// with the address it should ultimately be delivered to. A relay node
// unwraps this and forwards raw on as-is, without needing to understand
// its contents.
func encodeRelayMessage(dest string, raw []byte) []byte {
	destBytes := []byte(dest)
	buf := make([]byte, 0, 3+len(destBytes)+len(raw))
	buf = append(buf, uint8(messageRelayType))
	buf = append(buf, byte(len(destBytes)>>8), byte(len(destBytes)))
	buf = append(buf, destBytes...)
	buf = append(buf, raw...)
	return buf
}

// decodeRelayMessage is the inverse of encodeRelayMessage. buf must
// already have had its leading messageType byte stripped.
func decodeRelayMessage(buf []byte) (dest string, raw []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("cluster: relay message too short")
	}
	n := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("cluster: relay message destination truncated")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func decodeMessage(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), msgpackHandle).Decode(out)
}

func encodeMessage(t messageType, msg interface{}, msgpackUseNewTimeFormat bool) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(t))
	hd := codec.MsgpackHandle{
		BasicHandle: codec.BasicHandle{
			TimeNotBuiltin: !msgpackUseNewTimeFormat,
		},
	}
	enc := codec.NewEncoder(buf, &hd)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFilter(f filterType, filt interface{}, msgpackUseNewTimeFormat bool) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(f))
	hd := codec.MsgpackHandle{
		BasicHandle: codec.BasicHandle{
			TimeNotBuiltin: !msgpackUseNewTimeFormat,
		},
	}
	enc := codec.NewEncoder(buf, &hd)
	if err := enc.Encode(filt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
