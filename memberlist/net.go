package memberlist

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
)

// messageType tags every frame memberlist itself puts on the wire. A
// msgUserMsg frame's remaining bytes are opaque to memberlist and handed
// straight to Delegate.NotifyMsg.
type messageType uint8

const (
	msgPing messageType = iota
	msgIndirectPing
	msgAckResp
	msgSuspectMsg
	msgAliveMsg
	msgDeadMsg
	msgPushPull
	msgCompound
	msgUserMsg
	msgNackResp
)

type ping struct {
	SeqNo      uint32
	Node       string
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

type indirectPingReq struct {
	SeqNo      uint32
	Target     []byte
	Port       uint16
	Node       string
	Nack       bool
	SourceAddr []byte `codec:",omitempty"`
	SourcePort uint16 `codec:",omitempty"`
	SourceNode string `codec:",omitempty"`
}

type ackResp struct {
	SeqNo   uint32
	Payload []byte
}

type nackResp struct {
	SeqNo uint32
}

// pushPullMsg is the entire state exchanged during a push/pull
// anti-entropy round: every node this side knows about plus an opaque
// application-level state blob captured by Delegate.LocalState.
type pushPullMsg struct {
	Join      bool
	Nodes     []pushNodeState
	UserState []byte `codec:",omitempty"`
}

// pushNodeState is one entry in the state list exchanged by push/pull.
type pushNodeState struct {
	Name        string
	Addr        []byte
	Port        uint16
	Meta        []byte
	Incarnation uint32
	State       NodeStateType
	Vsn         []uint8
}

var msgpackHandle = &codec.MsgpackHandle{}

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

// makeCompoundMessage packs several already-encoded messages into one
// [msgCompound][count:1][len:2]*count[msg]*count frame, so a single UDP
// datagram can carry a probe ack plus a batch of gossiped broadcasts.
func makeCompoundMessage(msgs [][]byte) []byte {
	buf := bytes.NewBuffer(nil)
	buf.WriteByte(uint8(msgCompound))
	buf.WriteByte(uint8(len(msgs)))
	for _, m := range msgs {
		lengthBuf := []byte{uint8(len(m) >> 8), uint8(len(m))}
		buf.Write(lengthBuf)
	}
	for _, m := range msgs {
		buf.Write(m)
	}
	return buf.Bytes()
}

func decodeCompoundMessage(buf []byte) (trunc int, parts [][]byte, err error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("memberlist: missing compound length byte")
	}
	numParts := int(buf[0])
	buf = buf[1:]

	if len(buf) < numParts*2 {
		return 0, nil, fmt.Errorf("memberlist: truncated compound header")
	}
	lengths := make([]int, numParts)
	for i := 0; i < numParts; i++ {
		lengths[i] = int(buf[i*2])<<8 | int(buf[i*2+1])
	}
	buf = buf[numParts*2:]

	for i := 0; i < numParts; i++ {
		if len(buf) < lengths[i] {
			trunc = numParts - i
			return trunc, parts, nil
		}
		parts = append(parts, buf[:lengths[i]])
		buf = buf[lengths[i]:]
	}
	return 0, parts, nil
}

// packetListen dispatches every inbound packet off the transport's
// PacketCh to the appropriate handler, recursing through compound frames.
func (m *Memberlist) packetListen() {
	for {
		select {
		case p := <-m.transport.PacketCh():
			m.handleCommand(p.Buf, p.From, p.Timestamp)
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Memberlist) handleCommand(buf []byte, from net.Addr, timestamp time.Time) {
	if len(buf) < 1 {
		return
	}
	mt := messageType(buf[0])
	buf = buf[1:]

	switch mt {
	case msgCompound:
		trunc, parts, err := decodeCompoundMessage(buf)
		if err != nil {
			m.logf("[ERR] memberlist: failed to decode compound message: %v", err)
			return
		}
		if trunc > 0 {
			m.logf("[WARN] memberlist: truncated %d parts of compound message", trunc)
		}
		for _, part := range parts {
			m.handleCommand(part, from, timestamp)
		}
	case msgPing:
		m.handlePing(buf, from)
	case msgIndirectPing:
		m.handleIndirectPing(buf, from)
	case msgAckResp:
		m.handleAck(buf, timestamp)
	case msgNackResp:
		m.handleNack(buf)
	case msgSuspectMsg:
		m.handleSuspect(buf)
	case msgAliveMsg:
		m.handleAlive(buf)
	case msgDeadMsg:
		m.handleDead(buf)
	case msgUserMsg:
		if m.config.Delegate != nil {
			m.config.Delegate.NotifyMsg(buf)
		}
	default:
		m.logf("[ERR] memberlist: unrecognized message type %d from %s", mt, from)
	}
}

func (m *Memberlist) handlePing(buf []byte, from net.Addr) {
	var p ping
	if err := decodeMessage(buf, &p); err != nil {
		m.logf("[ERR] memberlist: failed to decode ping: %v", err)
		return
	}
	if p.Node != "" && p.Node != m.config.Name {
		return
	}

	var payload []byte
	if m.config.Ping != nil {
		payload = m.config.Ping.AckPayload()
	}
	ack := ackResp{SeqNo: p.SeqNo, Payload: payload}
	out, err := encodeMessage(msgAckResp, &ack, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		m.logf("[ERR] memberlist: failed to encode ack: %v", err)
		return
	}

	addr := from.String()
	if len(p.SourceAddr) > 0 {
		addr = net.JoinHostPort(net.IP(p.SourceAddr).String(), fmt.Sprintf("%d", p.SourcePort))
	}
	if err := m.transport.SendPacket(addr, out); err != nil {
		m.logf("[ERR] memberlist: failed to send ack: %v", err)
	}
}

func (m *Memberlist) handleIndirectPing(buf []byte, from net.Addr) {
	var ind indirectPingReq
	if err := decodeMessage(buf, &ind); err != nil {
		m.logf("[ERR] memberlist: failed to decode indirect ping: %v", err)
		return
	}

	localSeqNo := m.nextSeqNo()
	selfAddr, selfPort := m.advertiseAddr, uint16(m.advertisePort)
	p := ping{
		SeqNo:      localSeqNo,
		Node:       ind.Node,
		SourceAddr: selfAddr,
		SourcePort: selfPort,
		SourceNode: m.config.Name,
	}

	respCh := make(chan ackMessage, 1)
	m.setAckHandler(localSeqNo, respCh, m.config.ProbeTimeout)

	destAddr := net.JoinHostPort(net.IP(ind.Target).String(), fmt.Sprintf("%d", ind.Port))
	out, err := encodeMessage(msgPing, &p, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return
	}
	if err := m.transport.SendPacket(destAddr, out); err != nil {
		return
	}

	select {
	case v := <-respCh:
		if v.Complete {
			ackOut, err := encodeMessage(msgAckResp, &ackResp{SeqNo: ind.SeqNo}, m.config.MsgpackUseNewTimeFormat)
			if err == nil {
				m.transport.SendPacket(from.String(), ackOut)
			}
		}
	case <-time.After(m.config.ProbeTimeout):
		if ind.Nack {
			nackOut, err := encodeMessage(msgNackResp, &nackResp{SeqNo: ind.SeqNo}, m.config.MsgpackUseNewTimeFormat)
			if err == nil {
				m.transport.SendPacket(from.String(), nackOut)
			}
		}
	}
}

func (m *Memberlist) handleAck(buf []byte, timestamp time.Time) {
	var ack ackResp
	if err := decodeMessage(buf, &ack); err != nil {
		m.logf("[ERR] memberlist: failed to decode ack: %v", err)
		return
	}
	m.invokeAckHandler(ack, timestamp)
}

func (m *Memberlist) handleNack(buf []byte) {
	var nack nackResp
	if err := decodeMessage(buf, &nack); err != nil {
		m.logf("[ERR] memberlist: failed to decode nack: %v", err)
		return
	}
	m.invokeNackHandler(nack)
}

func (m *Memberlist) handleSuspect(buf []byte) {
	var s suspectMsg
	if err := decodeMessage(buf, &s); err != nil {
		m.logf("[ERR] memberlist: failed to decode suspect message: %v", err)
		return
	}
	m.suspectNode(&s)
}

func (m *Memberlist) handleAlive(buf []byte) {
	var a aliveMsg
	if err := decodeMessage(buf, &a); err != nil {
		m.logf("[ERR] memberlist: failed to decode alive message: %v", err)
		return
	}
	m.aliveNode(&a, nil, false)
}

func (m *Memberlist) handleDead(buf []byte) {
	var d deadMsg
	if err := decodeMessage(buf, &d); err != nil {
		m.logf("[ERR] memberlist: failed to decode dead message: %v", err)
		return
	}
	m.deadNode(&d)
}

// handleConn services one inbound TCP stream: either a push/pull state
// exchange or a single user message, tagged by a leading message-type byte.
func (m *Memberlist) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	raw, err := m.transport.ReadStreamMsg(conn)
	if err != nil {
		m.logf("[ERR] memberlist: failed to read TCP message from %s: %v", conn.RemoteAddr(), err)
		return
	}
	if len(raw) < 1 {
		m.logf("[ERR] memberlist: empty TCP message from %s", conn.RemoteAddr())
		return
	}
	msgType := messageType(raw[0])
	body := raw[1:]

	switch msgType {
	case msgPing:
		// TCP fallback ping: the mere ability to read this far back is
		// the signal, so just echo a single framed ack back.
		if err := m.transport.WriteStreamMsg(conn, []byte{uint8(msgAckResp)}); err != nil {
			m.logf("[ERR] memberlist: failed to ack TCP ping from %s: %v", conn.RemoteAddr(), err)
		}
	case msgPushPull:
		var ppm pushPullMsg
		if err := decodeMessage(body, &ppm); err != nil {
			m.logf("[ERR] memberlist: failed to decode push/pull from %s: %v", conn.RemoteAddr(), err)
			return
		}
		if err := m.handlePushPullConn(conn, &ppm); err != nil {
			m.logf("[ERR] memberlist: push/pull with %s failed: %v", conn.RemoteAddr(), err)
		}
	case msgUserMsg:
		var userMsg []byte
		if err := decodeMessage(body, &userMsg); err != nil {
			m.logf("[ERR] memberlist: failed to decode user TCP message: %v", err)
			return
		}
		if m.config.Delegate != nil {
			m.config.Delegate.NotifyMsg(userMsg)
		}
	default:
		m.logf("[ERR] memberlist: unexpected TCP message type %d from %s", msgType, conn.RemoteAddr())
	}
}

