package memberlist

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
)

const (
	udpSendBuf            = udpMaxPayload
	compoundHeaderOverhead = 2
	compoundOverhead       = 2
)

type ackMessage struct {
	Complete bool
	Payload  []byte
	Timestamp time.Time
}

type ackHandler struct {
	ch    chan ackMessage
	timer *time.Timer
}

// Memberlist implements the SWIM membership engine: failure detection via
// randomized direct/indirect probing with suspicion confirmation, and
// convergence via piggybacked gossip plus periodic full state push/pull.
// It has no notion of a cluster name, event log, or query fan-out; those
// live one layer up and ride on its Delegate/EventDelegate hooks.
type Memberlist struct {
	sequenceNum uint32
	incarnation uint32
	numNodes    uint32

	config    *Config
	transport Transport
	logger    *log.Logger

	advertiseAddr net.IP
	advertisePort int

	nodeLock sync.RWMutex
	nodes    []*nodeState
	nodeMap  map[string]*nodeState
	probeIndex int

	ackLock     sync.Mutex
	ackHandlers map[uint32]*ackHandler

	nackLock     sync.Mutex
	nackHandlers map[uint32]chan struct{}

	awareness *awareness
	broadcasts *TransmitLimitedQueue

	tickerLock sync.Mutex
	tickers    []*time.Ticker
	stopTick   chan struct{}

	leaveLock sync.Mutex
	leave     bool

	shutdownLock sync.Mutex
	shutdown     bool
	shutdownCh   chan struct{}
}

// Create starts a new Memberlist listening per conf, with no peers yet.
func Create(conf *Config) (*Memberlist, error) {
	m, err := newMemberlist(conf)
	if err != nil {
		return nil, err
	}
	if err := m.setAlive(); err != nil {
		m.Shutdown()
		return nil, err
	}
	m.schedule()
	return m, nil
}

func newMemberlist(conf *Config) (*Memberlist, error) {
	if conf.Name == "" {
		return nil, fmt.Errorf("memberlist: Config.Name must not be empty")
	}

	logger := conf.Logger()

	transport, err := NewNetTransport(conf)
	if err != nil {
		return nil, err
	}

	advertiseAddr, advertisePort, err := transport.FinalAdvertiseAddr(conf.BindAddr, conf.BindPort)
	if err != nil {
		transport.Shutdown()
		return nil, err
	}

	m := &Memberlist{
		config:        conf,
		transport:     transport,
		logger:        logger,
		advertiseAddr: advertiseAddr,
		advertisePort: advertisePort,
		nodeMap:       make(map[string]*nodeState),
		ackHandlers:   make(map[uint32]*ackHandler),
		nackHandlers:  make(map[uint32]chan struct{}),
		awareness:     newAwareness(conf.AwarenessMaxMultiplier),
		stopTick:      make(chan struct{}),
		shutdownCh:    make(chan struct{}),
	}
	m.broadcasts = &TransmitLimitedQueue{
		NumNodes:       func() int { return int(atomic.LoadUint32(&m.numNodes)) },
		RetransmitMult: conf.RetransmitMult,
	}

	go m.packetListen()
	go m.streamListen()
	return m, nil
}

func (c *Config) Logger() *log.Logger {
	w := c.LogOutput
	if w == nil {
		w = os.Stderr
	}
	return log.New(w, "", log.LstdFlags)
}

func (m *Memberlist) logf(format string, args ...interface{}) {
	m.logger.Printf(format, args...)
}

func (m *Memberlist) setAlive() error {
	a := aliveMsg{
		Incarnation: m.nextIncarnation(),
		Node:        m.config.Name,
		Addr:        m.advertiseAddr,
		Port:        uint16(m.advertisePort),
		Vsn: []uint8{
			m.config.ProtocolVersion, m.config.ProtocolVersion, m.config.ProtocolVersion,
			m.config.DelegateProtocolMin, m.config.DelegateProtocolMax, m.config.DelegateProtocolVersion,
		},
	}
	if m.config.Delegate != nil {
		a.Meta = m.config.Delegate.NodeMeta(metaMaxSize)
	}
	m.aliveNode(&a, nil, true)
	return nil
}

const metaMaxSize = 512

// Join attempts a push/pull state exchange with each of existingCluster in
// turn and returns the number of hosts successfully contacted. The
// aggregated per-host errors are returned only when none succeeded.
func (m *Memberlist) Join(existingCluster []string) (int, error) {
	var numSuccess int
	var errs error
	for _, addr := range existingCluster {
		if err := m.pushPullNode(addr, true); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to join %s: %w", addr, err))
			continue
		}
		numSuccess++
	}
	if numSuccess == 0 {
		return 0, errs
	}
	return numSuccess, nil
}

// Leave broadcasts that this node is voluntarily leaving and waits up to
// timeout for the message to propagate before returning.
func (m *Memberlist) Leave(timeout time.Duration) error {
	m.leaveLock.Lock()
	m.leave = true
	m.leaveLock.Unlock()

	m.nodeLock.Lock()
	state, ok := m.nodeMap[m.config.Name]
	m.nodeLock.Unlock()
	if !ok {
		return nil
	}

	d := deadMsg{Incarnation: state.Incarnation, Node: m.config.Name, From: m.config.Name}
	m.deadNode(&d)

	if m.anyAlive() {
		select {
		case <-time.After(timeout):
			return fmt.Errorf("memberlist: timed out waiting for leave broadcast to propagate")
		case <-m.waitForBroadcastDrain():
		}
	}
	return nil
}

func (m *Memberlist) anyAlive() bool {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	for _, n := range m.nodes {
		if n.Name != m.config.Name && !n.DeadOrLeft() {
			return true
		}
	}
	return false
}

func (m *Memberlist) waitForBroadcastDrain() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for m.broadcasts.NumQueued() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

// Shutdown stops all background tasks and tears down the transport. It
// does not notify peers; call Leave first for a graceful exit.
func (m *Memberlist) Shutdown() error {
	m.shutdownLock.Lock()
	defer m.shutdownLock.Unlock()
	if m.shutdown {
		return nil
	}
	m.shutdown = true
	close(m.shutdownCh)
	m.deschedule()
	return m.transport.Shutdown()
}

// Members returns a point-in-time snapshot of every node this node has a
// record for, alive or not.
func (m *Memberlist) Members() []*Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	out := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := n.Node
		out = append(out, &cp)
	}
	return out
}

// NumMembers returns len(Members()), without the allocation.
func (m *Memberlist) NumMembers() int {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	return len(m.nodes)
}

// GetHealthScore returns this node's awareness score: 0 means healthy,
// higher values stretch probe timeouts because we may be the slow one.
func (m *Memberlist) GetHealthScore() int {
	return m.awareness.GetHealthScore()
}

// LocalNode returns this node's own current record.
func (m *Memberlist) LocalNode() *Node {
	m.nodeLock.RLock()
	defer m.nodeLock.RUnlock()
	if state, ok := m.nodeMap[m.config.Name]; ok {
		cp := state.Node
		return &cp
	}
	return nil
}

// UpdateNode re-queries the Delegate for fresh metadata and broadcasts a
// new Alive at a bumped incarnation so peers pick it up.
func (m *Memberlist) UpdateNode(timeout time.Duration) error {
	m.nodeLock.RLock()
	state, ok := m.nodeMap[m.config.Name]
	m.nodeLock.RUnlock()
	if !ok {
		return fmt.Errorf("memberlist: local node not found")
	}

	a := aliveMsg{
		Incarnation: m.nextIncarnation(),
		Node:        m.config.Name,
		Addr:        state.Addr,
		Port:        state.Port,
		Vsn: []uint8{
			state.PMin, state.PMax, state.PCur,
			state.DMin, state.DMax, state.DCur,
		},
	}
	if m.config.Delegate != nil {
		a.Meta = m.config.Delegate.NodeMeta(metaMaxSize)
	}
	m.aliveNode(&a, nil, true)
	return nil
}

// SendTo sends msg directly to addr as a UDP user message, best effort.
func (m *Memberlist) SendTo(addr string, msg []byte) error {
	out := append([]byte{uint8(msgUserMsg)}, msg...)
	return m.transport.SendPacket(addr, out)
}

// SendBestEffort sends msg directly to a single node over UDP, with no
// delivery guarantee and no retry; the caller's own broadcast/gossip
// mechanism (one layer up) is what gives a message cluster-wide reach.
func (m *Memberlist) SendBestEffort(to *Node, msg []byte) error {
	return m.SendTo(to.Address(), msg)
}

// SendReliable sends msg directly to a single node over TCP, returning an
// error if the connection or write fails.
func (m *Memberlist) SendReliable(to *Node, msg []byte) error {
	conn, err := m.transport.DialStream(to.Address(), m.config.TCPTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	raw, err := encodeMessage(msgUserMsg, msg, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return err
	}
	return m.transport.WriteStreamMsg(conn, raw)
}

func (m *Memberlist) nextSeqNo() uint32 {
	return atomic.AddUint32(&m.sequenceNum, 1)
}

func (m *Memberlist) nextIncarnation() uint32 {
	return atomic.AddUint32(&m.incarnation, 1)
}

// skipIncarnation jumps the incarnation counter forward by offset, used
// when refuting an accusation carrying an incarnation at or above our
// own: the refuting Alive must be strictly fresher than the accusation.
func (m *Memberlist) skipIncarnation(offset uint32) uint32 {
	return atomic.AddUint32(&m.incarnation, offset)
}

// refute broadcasts a fresh Alive for the local node, at an incarnation
// strictly above accusedInc. Caller must hold nodeLock.
func (m *Memberlist) refute(state *nodeState, accusedInc uint32) *aliveMsg {
	inc := m.nextIncarnation()
	if accusedInc >= inc {
		inc = m.skipIncarnation(accusedInc - inc + 1)
	}
	state.Incarnation = inc

	m.awareness.ApplyDelta(1)

	return &aliveMsg{
		Incarnation: inc,
		Node:        state.Name,
		Addr:        state.Addr,
		Port:        state.Port,
		Meta:        state.Meta,
		Vsn: []uint8{
			state.PMin, state.PMax, state.PCur,
			state.DMin, state.DMax, state.DCur,
		},
	}
}

func (m *Memberlist) setAckHandler(seqNo uint32, ch chan ackMessage, timeout time.Duration) {
	ah := &ackHandler{ch: ch}
	m.ackLock.Lock()
	m.ackHandlers[seqNo] = ah
	m.ackLock.Unlock()

	ah.timer = time.AfterFunc(timeout, func() {
		m.ackLock.Lock()
		delete(m.ackHandlers, seqNo)
		m.ackLock.Unlock()
		select {
		case ch <- ackMessage{Complete: false}:
		default:
		}
	})
}

func (m *Memberlist) invokeAckHandler(ack ackResp, timestamp time.Time) {
	m.ackLock.Lock()
	ah, ok := m.ackHandlers[ack.SeqNo]
	if ok {
		delete(m.ackHandlers, ack.SeqNo)
	}
	m.ackLock.Unlock()
	if !ok {
		return
	}
	ah.timer.Stop()
	select {
	case ah.ch <- ackMessage{Complete: true, Payload: ack.Payload, Timestamp: timestamp}:
	default:
	}
}

func (m *Memberlist) setNackHandler(seqNo uint32, ch chan struct{}, timeout time.Duration) {
	m.nackLock.Lock()
	m.nackHandlers[seqNo] = ch
	m.nackLock.Unlock()

	time.AfterFunc(timeout, func() {
		m.nackLock.Lock()
		delete(m.nackHandlers, seqNo)
		m.nackLock.Unlock()
	})
}

func (m *Memberlist) invokeNackHandler(nack nackResp) {
	m.nackLock.Lock()
	ch, ok := m.nackHandlers[nack.SeqNo]
	m.nackLock.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// schedule starts the probe, push/pull and gossip background loops.
func (m *Memberlist) schedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()

	if m.config.ProbeInterval > 0 {
		t := time.NewTicker(m.config.ProbeInterval)
		go m.triggerFunc(t.C, m.probe)
		m.tickers = append(m.tickers, t)
	}
	if m.config.PushPullInterval > 0 {
		go m.pushPullTrigger()
	}
	if m.config.GossipInterval > 0 && m.config.GossipNodes > 0 {
		t := time.NewTicker(m.config.GossipInterval)
		go m.triggerFunc(t.C, m.gossip)
		m.tickers = append(m.tickers, t)
	}
}

func (m *Memberlist) triggerFunc(c <-chan time.Time, f func()) {
	for {
		select {
		case <-c:
			f()
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Memberlist) deschedule() {
	m.tickerLock.Lock()
	defer m.tickerLock.Unlock()
	for _, t := range m.tickers {
		t.Stop()
	}
	m.tickers = nil
}

// probe runs one round of SWIM failure detection against the next node in
// the round-robin probe order, reshuffling and reaping dead nodes whenever
// the order wraps.
func (m *Memberlist) probe() {
	numCheck := 0
START:
	m.nodeLock.RLock()
	if numCheck >= len(m.nodes) {
		m.nodeLock.RUnlock()
		return
	}
	if m.probeIndex >= len(m.nodes) {
		m.nodeLock.RUnlock()
		m.resetNodes()
		numCheck++
		goto START
	}
	node := m.nodes[m.probeIndex]
	skip := node.Name == m.config.Name || node.DeadOrLeft()
	m.nodeLock.RUnlock()

	m.nodeLock.Lock()
	m.probeIndex++
	m.nodeLock.Unlock()

	if skip {
		numCheck++
		goto START
	}
	m.probeNode(node)
}

func (m *Memberlist) resetNodes() {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	deadIdx := moveDeadNodes(m.nodes, m.config.GossipToTheDeadTime)
	for i := deadIdx; i < len(m.nodes); i++ {
		delete(m.nodeMap, m.nodes[i].Name)
		m.nodes[i] = nil
	}
	m.nodes = m.nodes[:deadIdx]
	shuffleNodes(m.nodes)
	m.probeIndex = 0
	atomic.StoreUint32(&m.numNodes, uint32(len(m.nodes)))
}

// probeNode directly pings node, falling back to indirect pings via
// IndirectChecks random peers, then a TCP ping, before declaring suspicion.
func (m *Memberlist) probeNode(node *nodeState) {
	defer metrics.MeasureSince([]string{"memberlist", "probeNode"}, time.Now())

	seqNo := m.nextSeqNo()
	probeTimeout := m.awareness.ScaleTimeout(m.config.ProbeTimeout)

	// The handler must outlive the whole round, not just the direct
	// phase: acks relayed back from the indirect probes carry the same
	// seqNo and arrive well after probeTimeout.
	deadline := time.Now().Add(m.awareness.ScaleTimeout(m.config.ProbeInterval))
	ackCh := make(chan ackMessage, m.config.IndirectChecks+2)
	m.setAckHandler(seqNo, ackCh, deadline.Sub(time.Now()))

	p := ping{SeqNo: seqNo, Node: node.Name}
	out, err := encodeMessage(msgPing, &p, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		m.logf("[ERR] memberlist: failed to encode ping: %v", err)
		return
	}
	sent := time.Now()
	if err := m.transport.SendPacket(node.Address(), out); err != nil {
		m.logf("[ERR] memberlist: failed to send ping to %s: %v", node.Name, err)
	}

	select {
	case v := <-ackCh:
		if v.Complete {
			m.awareness.ApplyDelta(-1)
			m.notifyPingComplete(node, v, sent)
			return
		}
	case <-time.After(probeTimeout):
	}

	m.awareness.ApplyDelta(1)

	m.nodeLock.RLock()
	excludes := []string{m.config.Name, node.Name}
	kNodes := kRandomNodes(m.config.IndirectChecks, excludes, m.nodes)
	m.nodeLock.RUnlock()

	nackCh := make(chan struct{}, m.config.IndirectChecks+1)
	m.setNackHandler(seqNo, nackCh, deadline.Sub(time.Now()))

	ind := indirectPingReq{SeqNo: seqNo, Target: node.Addr, Port: node.Port, Node: node.Name, Nack: true}
	indOut, err := encodeMessage(msgIndirectPing, &ind, m.config.MsgpackUseNewTimeFormat)
	if err == nil {
		for _, peer := range kNodes {
			m.transport.SendPacket(peer.Address(), indOut)
		}
	}

	var tcpOut chan ackMessage
	if !m.config.DisableTcpPings {
		tcpOut = make(chan ackMessage, 1)
		go m.tcpPing(node, tcpOut)
	}

	// Wait out the rest of the round for an indirect ack; only then
	// consult the TCP fallback, so a fast dial failure can't cut the
	// indirect wait short.
	select {
	case v := <-ackCh:
		if v.Complete {
			m.notifyPingComplete(node, v, sent)
			return
		}
	case <-time.After(deadline.Sub(time.Now())):
	}

	if tcpOut != nil {
		select {
		case v := <-tcpOut:
			if v.Complete {
				metrics.IncrCounter([]string{"memberlist", "tcp", "fallback"}, 1)
				return
			}
		default:
		}
	}

	// Peers that answered our indirect-ping request with a nack were
	// reachable even though the target wasn't; missing nacks mean our own
	// connectivity is degraded, which the health score should reflect.
	if expected := len(kNodes); expected > 0 {
		if missed := expected - len(nackCh); missed > 0 {
			m.awareness.ApplyDelta(missed)
		}
	}

	s := suspectMsg{Incarnation: node.Incarnation, Node: node.Name, From: m.config.Name}
	m.suspectNode(&s)
}

func (m *Memberlist) notifyPingComplete(node *nodeState, ack ackMessage, sent time.Time) {
	if m.config.Ping == nil {
		return
	}
	rtt := ack.Timestamp.Sub(sent)
	cp := node.Node
	m.config.Ping.NotifyPingComplete(&cp, rtt, ack.Payload)
}

// tcpPing is the last-resort probe when UDP is suspected lossy: a stream
// ping avoids false suspicion from a single dropped datagram.
func (m *Memberlist) tcpPing(node *nodeState, out chan<- ackMessage) {
	conn, err := m.transport.DialStream(node.Address(), m.config.TCPTimeout)
	if err != nil {
		out <- ackMessage{Complete: false}
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))
	if err := m.transport.WriteStreamMsg(conn, []byte{uint8(msgPing)}); err != nil {
		out <- ackMessage{Complete: false}
		return
	}
	raw, err := m.transport.ReadStreamMsg(conn)
	if err != nil || len(raw) < 1 || messageType(raw[0]) != msgAckResp {
		out <- ackMessage{Complete: false}
		return
	}
	out <- ackMessage{Complete: true}
}

func (m *Memberlist) gossip() {
	defer metrics.MeasureSince([]string{"memberlist", "gossip"}, time.Now())

	m.nodeLock.RLock()
	excludes := []string{m.config.Name}
	kNodes := kRandomNodes(m.config.GossipNodes, excludes, m.nodes)
	m.nodeLock.RUnlock()

	bytesAvail := udpSendBuf - compoundHeaderOverhead
	for _, node := range kNodes {
		msgs := m.getBroadcasts(compoundOverhead, bytesAvail)
		if len(msgs) == 0 {
			return
		}
		var out []byte
		if len(msgs) == 1 {
			out = msgs[0]
		} else {
			out = makeCompoundMessage(msgs)
		}
		if err := m.transport.SendPacket(node.Address(), out); err != nil {
			m.logf("[ERR] memberlist: failed to send gossip to %s: %v", node.Name, err)
		}
	}
}

// getBroadcasts fills limit bytes with our own membership broadcasts first,
// then whatever room remains with the delegate's application broadcasts.
func (m *Memberlist) getBroadcasts(overhead, limit int) [][]byte {
	msgs := m.broadcasts.GetBroadcasts(overhead, limit)

	bytesUsed := 0
	for _, msg := range msgs {
		bytesUsed += len(msg) + overhead
	}

	if m.config.Delegate != nil {
		if d := m.config.Delegate.GetBroadcasts(overhead, limit-bytesUsed); len(d) > 0 {
			msgs = append(msgs, d...)
		}
	}
	return msgs
}

// pushPullScaleThreshold is the cluster size beyond which the push/pull
// anti-entropy interval is scaled up, so a large cluster doesn't run a
// full-state TCP exchange exactly as often as a small one.
const pushPullScaleThreshold = 32

// pushPullScale scales interval up once n passes pushPullScaleThreshold,
// growing logarithmically with the excess so push/pull load per node
// stays roughly flat as the cluster grows.
func pushPullScale(interval time.Duration, n int) time.Duration {
	if n <= pushPullScaleThreshold {
		return interval
	}
	multiplier := math.Ceil(math.Log2(float64(n-pushPullScaleThreshold))) + 1.0
	return time.Duration(multiplier) * interval
}

// pushPullTrigger runs the adaptive push/pull loop: unlike a fixed
// time.Ticker, the interval is recomputed from the current cluster size
// before every round via pushPullScale, so it grows as membership does.
func (m *Memberlist) pushPullTrigger() {
	interval := pushPullScale(m.config.PushPullInterval, m.NumMembers())
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			m.pushPullRandom()
			timer.Reset(pushPullScale(m.config.PushPullInterval, m.NumMembers()))
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Memberlist) pushPullRandom() {
	m.nodeLock.RLock()
	excludes := []string{m.config.Name}
	nodes := kRandomNodes(1, excludes, m.nodes)
	m.nodeLock.RUnlock()
	if len(nodes) == 0 {
		return
	}
	if err := m.pushPullNode(nodes[0].Address(), false); err != nil {
		m.logf("[ERR] memberlist: push/pull with %s failed: %v", nodes[0].Name, err)
	}
}

// pushPullNode dials addr, sends our full state, and merges whatever state
// comes back. join is true when this call originates from Join, in which
// case local/remote delegate state is exchanged with join semantics.
func (m *Memberlist) pushPullNode(addr string, join bool) error {
	defer metrics.MeasureSince([]string{"memberlist", "pushPullNode"}, time.Now())

	conn, err := m.transport.DialStream(addr, m.config.TCPTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(m.config.TCPTimeout))

	if err := m.sendLocalState(conn, join); err != nil {
		return err
	}
	remoteNodes, userState, err := m.readRemoteState(conn)
	if err != nil {
		return err
	}

	m.mergeState(remoteNodes)
	if m.config.Delegate != nil && len(userState) > 0 {
		m.config.Delegate.MergeRemoteState(userState, join)
	}
	return nil
}

func (m *Memberlist) localPushPullMsg(join bool) pushPullMsg {
	m.nodeLock.RLock()
	nodes := make([]pushNodeState, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, pushNodeState{
			Name:        n.Name,
			Addr:        n.Addr,
			Port:        n.Port,
			Meta:        n.Meta,
			Incarnation: n.Incarnation,
			State:       n.State,
			Vsn: []uint8{
				n.PMin, n.PMax, n.PCur,
				n.DMin, n.DMax, n.DCur,
			},
		})
	}
	m.nodeLock.RUnlock()

	var userState []byte
	if m.config.Delegate != nil {
		userState = m.config.Delegate.LocalState(join)
	}
	return pushPullMsg{Join: join, Nodes: nodes, UserState: userState}
}

func (m *Memberlist) sendLocalState(conn net.Conn, join bool) error {
	ppm := m.localPushPullMsg(join)
	raw, err := encodeMessage(msgPushPull, &ppm, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return err
	}
	return m.transport.WriteStreamMsg(conn, raw)
}

func (m *Memberlist) readRemoteState(conn net.Conn) ([]pushNodeState, []byte, error) {
	raw, err := m.transport.ReadStreamMsg(conn)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < 1 {
		return nil, nil, fmt.Errorf("memberlist: empty push/pull response")
	}
	if messageType(raw[0]) != msgPushPull {
		return nil, nil, fmt.Errorf("memberlist: unexpected response type %d", raw[0])
	}
	var ppm pushPullMsg
	if err := decodeMessage(raw[1:], &ppm); err != nil {
		return nil, nil, err
	}
	return ppm.Nodes, ppm.UserState, nil
}

// handlePushPullConn services the accepting side of a push/pull exchange:
// having already received the peer's state (decoded by the caller), it
// replies with our own before merging.
func (m *Memberlist) handlePushPullConn(conn net.Conn, remote *pushPullMsg) error {
	if err := m.sendLocalState(conn, remote.Join); err != nil {
		return err
	}
	m.mergeState(remote.Nodes)
	if m.config.Delegate != nil && len(remote.UserState) > 0 {
		m.config.Delegate.MergeRemoteState(remote.UserState, remote.Join)
	}
	return nil
}

// aliveNode applies an Alive assertion: it admits previously-unknown
// nodes, rejects stale incarnations, and otherwise updates state and
// re-broadcasts. bootstrap is true only for our own initial Alive.
func (m *Memberlist) aliveNode(a *aliveMsg, notify chan struct{}, bootstrap bool) {
	m.nodeLock.Lock()

	if m.config.CIDRsAllowed != nil && !bootstrap {
		if !ipAllowed(net.IP(a.Addr), m.config.CIDRsAllowed) {
			m.nodeLock.Unlock()
			m.logf("[WARN] memberlist: rejected alive message for %q from disallowed address %s",
				a.Node, net.IP(a.Addr))
			return
		}
	}

	state, ok := m.nodeMap[a.Node]
	if !ok {
		state = &nodeState{
			Node: Node{
				Name:  a.Node,
				Addr:  net.IP(a.Addr),
				Port:  a.Port,
				Meta:  a.Meta,
				State: StateDead,
			},
		}
		m.nodeMap[a.Node] = state
		n := len(m.nodes)
		m.nodes = append(m.nodes, state)
		if n > 0 {
			offset := pseudoRandomOffset(n)
			m.nodes[offset], m.nodes[n] = m.nodes[n], m.nodes[offset]
		}
		atomic.StoreUint32(&m.numNodes, uint32(len(m.nodes)))
	} else if !bytes.Equal(state.Addr, net.IP(a.Addr)) || state.Port != a.Port {
		if m.config.Conflict != nil {
			other := Node{Name: a.Node, Addr: net.IP(a.Addr), Port: a.Port, Meta: a.Meta}
			existing := state.Node
			m.nodeLock.Unlock()
			m.config.Conflict.NotifyConflict(&existing, &other)
			m.nodeLock.Lock()
		}
	}

	isLocalNode := a.Node == m.config.Name
	if a.Incarnation <= state.Incarnation && !isLocalNode {
		// Equal incarnations tie-break on the metadata bytes, so two
		// concurrent updates at the same incarnation converge to the
		// same winner on every node instead of flapping.
		if a.Incarnation < state.Incarnation || bytes.Compare(a.Meta, state.Meta) <= 0 {
			m.nodeLock.Unlock()
			return
		}
	}
	if a.Incarnation < state.Incarnation && isLocalNode {
		m.nodeLock.Unlock()
		return
	}

	m.encodeAndBroadcast(a.Node, msgAliveMsg, a)

	oldState := state.State
	state.Incarnation = a.Incarnation
	state.Addr = net.IP(a.Addr)
	state.Port = a.Port
	state.Meta = a.Meta
	if len(a.Vsn) == 6 {
		state.PMin, state.PMax, state.PCur = a.Vsn[0], a.Vsn[1], a.Vsn[2]
		state.DMin, state.DMax, state.DCur = a.Vsn[3], a.Vsn[4], a.Vsn[5]
	}
	if state.State != StateAlive {
		state.State = StateAlive
		state.StateChange = time.Now()
	}
	if state.suspicion != nil {
		state.suspicion.Stop()
		state.suspicion = nil
	}
	m.nodeLock.Unlock()

	if oldState != StateAlive && m.config.Events != nil {
		cp := state.Node
		if oldState == StateDead || bootstrap {
			m.config.Events.NotifyJoin(&cp)
		} else {
			m.config.Events.NotifyUpdate(&cp)
		}
	}
}

func pseudoRandomOffset(n int) int {
	if n == 0 {
		return 0
	}
	return int(time.Now().UnixNano()) % n
}

// ipAllowed reports whether ip falls within any of the configured CIDR
// blocks, matching the same stdlib net.ParseCIDR approach the real
// memberlist engine uses for this check.
func ipAllowed(ip net.IP, cidrs []string) bool {
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// suspectNode applies a Suspect assertion: if it names us, we refute by
// broadcasting a fresher Alive; otherwise we arm (or accelerate) the
// suspicion timer that eventually declares the node Dead.
func (m *Memberlist) suspectNode(s *suspectMsg) {
	m.nodeLock.Lock()
	state, ok := m.nodeMap[s.Node]
	if !ok {
		m.nodeLock.Unlock()
		return
	}
	if s.Incarnation < state.Incarnation || state.State != StateAlive {
		if state.State == StateSuspect && state.suspicion != nil {
			state.suspicion.Confirm(s.From)
		}
		m.nodeLock.Unlock()
		return
	}

	if state.Name == m.config.Name {
		a := m.refute(state, s.Incarnation)
		m.nodeLock.Unlock()
		m.logf("[WARN] memberlist: refuting a suspect message (from: %s)", s.From)
		m.encodeAndBroadcast(s.Node, msgAliveMsg, a)
		return
	}

	m.encodeAndBroadcast(s.Node, msgSuspectMsg, s)
	state.Incarnation = s.Incarnation
	state.State = StateSuspect
	changeTime := time.Now()
	state.StateChange = changeTime

	n := len(m.nodes)
	k := m.config.IndirectChecks
	min := time.Duration(m.config.SuspicionMult) * time.Duration(log2(n+1)) * m.config.ProbeInterval
	max := time.Duration(m.config.SuspicionMaxTimeoutMult) * min
	if max < min {
		max = min
	}
	state.suspicion = newSuspicion(s.From, k, min, max, func(numConfirmations int) {
		m.nodeLock.RLock()
		timedOut := state.State == StateSuspect && state.StateChange == changeTime
		m.nodeLock.RUnlock()
		if timedOut {
			d := deadMsg{Incarnation: state.Incarnation, Node: state.Name, From: m.config.Name}
			m.deadNode(&d)
		}
	})
	m.nodeLock.Unlock()
}

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	if l < 1 {
		l = 1
	}
	return l
}

// deadNode applies a Dead assertion, with the same local-refutation rule
// as suspectNode: if it names us and we have not voluntarily left, we
// refute with a fresher Alive instead of accepting it.
func (m *Memberlist) deadNode(d *deadMsg) {
	m.nodeLock.Lock()
	state, ok := m.nodeMap[d.Node]
	if !ok {
		m.nodeLock.Unlock()
		return
	}
	if d.Incarnation < state.Incarnation || state.State == StateDead {
		m.nodeLock.Unlock()
		return
	}

	m.leaveLock.Lock()
	leaving := m.leave
	m.leaveLock.Unlock()

	if state.Name == m.config.Name && !leaving {
		a := m.refute(state, d.Incarnation)
		m.nodeLock.Unlock()
		m.logf("[WARN] memberlist: refuting a dead message (from: %s)", d.From)
		m.encodeAndBroadcast(d.Node, msgAliveMsg, a)
		return
	}

	m.encodeAndBroadcast(d.Node, msgDeadMsg, d)
	state.Incarnation = d.Incarnation
	// A node announcing its own death left voluntarily; anyone else's
	// accusation is a failure.
	if d.Node == d.From {
		state.State = StateLeft
	} else {
		state.State = StateDead
	}
	state.StateChange = time.Now()
	if state.suspicion != nil {
		state.suspicion.Stop()
		state.suspicion = nil
	}
	m.nodeLock.Unlock()

	if m.config.Events != nil {
		cp := state.Node
		m.config.Events.NotifyLeave(&cp)
	}
}

// mergeState reconciles a push/pull peer's state list against ours,
// replaying each entry through the same Alive/Suspect/Dead handlers used
// for wire messages so the logic has exactly one home.
func (m *Memberlist) mergeState(remote []pushNodeState) {
	if m.config.Merge != nil {
		nodes := make([]*Node, 0, len(remote))
		for _, r := range remote {
			nodes = append(nodes, &Node{Name: r.Name, Addr: net.IP(r.Addr), Port: r.Port, Meta: r.Meta})
		}
		if err := m.config.Merge.NotifyMerge(nodes); err != nil {
			m.logf("[WARN] memberlist: merge rejected by delegate: %v", err)
			return
		}
	}

	for _, r := range remote {
		switch r.State {
		case StateAlive:
			m.aliveNode(&aliveMsg{Incarnation: r.Incarnation, Node: r.Name, Addr: r.Addr, Port: r.Port, Meta: r.Meta, Vsn: r.Vsn}, nil, false)
		case StateSuspect:
			m.suspectNode(&suspectMsg{Incarnation: r.Incarnation, Node: r.Name, From: m.config.Name})
		case StateDead, StateLeft:
			m.deadNode(&deadMsg{Incarnation: r.Incarnation, Node: r.Name, From: m.config.Name})
		}
	}
}

func (m *Memberlist) encodeAndBroadcast(node string, t messageType, msg interface{}) {
	out, err := encodeMessage(t, msg, m.config.MsgpackUseNewTimeFormat)
	if err != nil {
		m.logf("[ERR] memberlist: failed to encode broadcast: %v", err)
		return
	}
	m.broadcasts.QueueBroadcast(&memberBroadcast{node: node, msg: out})
}

// memberBroadcast carries a membership (alive/suspect/dead) assertion;
// a fresher assertion about the same node invalidates an older one still
// queued for retransmission.
type memberBroadcast struct {
	node string
	msg  []byte
}

func (b *memberBroadcast) Invalidates(other Broadcast) bool {
	ob, ok := other.(*memberBroadcast)
	return ok && ob.node == b.node
}
func (b *memberBroadcast) Message() []byte { return b.msg }
func (b *memberBroadcast) Finished()       {}

func (m *Memberlist) streamListen() {
	for {
		select {
		case conn := <-m.transport.StreamCh():
			go m.handleConn(conn)
		case <-m.shutdownCh:
			return
		}
	}
}
