package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/hashicorp/serf/coordinate"
	"github.com/hashicorp/gossipd/memberlist"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// State is the lifecycle state of a Cluster instance.
type State int

const (
	StateAlive State = iota
	StateLeaving
	StateLeft
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateLeaving:
		return "leaving"
	case StateLeft:
		return "left"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// MemberStatus is the state a Member is believed to be in, from the local
// node's point of view.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
	StatusFailed
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	case StatusFailed:
		return "failed"
	default:
		panic(fmt.Sprintf("unknown MemberStatus: %d", s))
	}
}

// Member is a single node as seen by the local node's membership view.
type Member struct {
	Name   string
	Addr   net.IP
	Port   uint16
	Tags   map[string]string
	Status MemberStatus

	ProtocolMin, ProtocolMax, ProtocolCur uint8
	DelegateMin, DelegateMax, DelegateCur uint8
}

// memberState is the local record of one member in any status (every
// entry of Cluster.members is one), along with the bookkeeping the reaper
// and anti-resurrection rule need.
type memberState struct {
	Member
	statusLTime LamportTime // lamport time of the last status-changing intent
	leaveTime   time.Time   // wall-clock time of the Left/Failed transition
}

// nodeIntent buffers a join/leave intent that arrived before the
// corresponding memberlist event, so the eventual NotifyJoin can pick up
// the right Lamport time and (for leave) start in StatusLeaving.
type nodeIntent struct {
	LTime LamportTime
	Node  string
}

// recentIntent returns the highest-LTime buffered intent for node, or nil.
func recentIntent(recent []nodeIntent, node string) *nodeIntent {
	var found *nodeIntent
	for i := range recent {
		if recent[i].LTime == 0 {
			break
		}
		if recent[i].Node == node {
			if found == nil || recent[i].LTime > found.LTime {
				found = &recent[i]
			}
		}
	}
	return found
}

// Cluster is a single node participating in a gossip cluster: it owns the
// Lamport-ordered join/leave/user-event/query layer on top of an
// underlying memberlist.Memberlist SWIM engine. All exported methods are
// safe to call concurrently.
type Cluster struct {
	// Clocks. Kept first in the struct, mirroring the convention the
	// underlying gossip engine's own ancestry uses for word-aligned
	// atomics on 32-bit platforms.
	clock      LamportClock
	eventClock LamportClock
	queryClock LamportClock

	broadcasts      *memberlist.TransmitLimitedQueue
	eventBroadcasts *memberlist.TransmitLimitedQueue
	queryBroadcasts *memberlist.TransmitLimitedQueue

	config        *Config
	failedMembers []*memberState
	leftMembers   []*memberState
	memberlist    *memberlist.Memberlist
	memberLock    sync.RWMutex
	members       map[string]*memberState

	recentLeave      []nodeIntent
	recentLeaveIndex int
	recentJoin       []nodeIntent
	recentJoinIndex  int

	eventBuffer     []*userEvents
	eventJoinIgnore bool
	eventMinTime    LamportTime
	eventLock       sync.RWMutex

	queryBuffer  []*queries
	queryMinTime LamportTime
	queryLock    sync.RWMutex

	queryResponse map[LamportTime]*QueryResponse
	queryLTimeMap sync.Mutex

	coordClient    *coordinate.Client
	coordCache     map[string]*coordinate.Coordinate
	coordCacheLock sync.RWMutex

	keyringFile string

	logger     *log.Logger
	stateLock  sync.Mutex
	state      State
	shutdownCh chan struct{}

	snapshotter *Snapshotter

	metricLabels []metrics.Label
}

// Create builds sockets, wires the membership engine, optionally rejoins
// from a snapshot, and starts all the background tasks. The Config should
// not be used or modified by the caller afterward.
func Create(conf *Config) (*Cluster, error) {
	if conf.ProtocolVersion < ProtocolVersionMin || conf.ProtocolVersion > ProtocolVersionMax {
		return nil, fmt.Errorf("cluster: protocol version '%d' must be in range [%d, %d]",
			conf.ProtocolVersion, ProtocolVersionMin, ProtocolVersionMax)
	}
	if conf.MemberlistConfig == nil {
		conf.MemberlistConfig = memberlist.DefaultLANConfig()
	}
	if conf.MemberlistConfig.Name == "" {
		conf.MemberlistConfig.Name = conf.NodeName
	}
	if conf.MsgpackUseNewTimeFormat {
		conf.MemberlistConfig.MsgpackUseNewTimeFormat = true
	}

	// Keyring precedence: an explicitly configured ring wins, then an
	// existing keyring file, then a bare EncryptionKey seed.
	if conf.MemberlistConfig.Keyring == nil && conf.KeyringFile != "" {
		if _, err := os.Stat(conf.KeyringFile); err == nil {
			keyring, err := loadKeyringFile(conf.KeyringFile)
			if err != nil {
				return nil, err
			}
			conf.MemberlistConfig.Keyring = keyring
		}
	}
	if conf.MemberlistConfig.Keyring == nil && len(conf.EncryptionKey) > 0 {
		keyring, err := memberlist.NewKeyring(nil, conf.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("cluster: invalid encryption key: %v", err)
		}
		conf.MemberlistConfig.Keyring = keyring
	}

	logOutput := conf.MemberlistConfig.LogOutput
	if logOutput == nil {
		logOutput = os.Stderr
	}

	c := &Cluster{
		config:        conf,
		logger:        log.New(logOutput, "", log.LstdFlags),
		members:       make(map[string]*memberState),
		queryResponse: make(map[LamportTime]*QueryResponse),
		shutdownCh:    make(chan struct{}),
		state:         StateAlive,
		keyringFile:   conf.KeyringFile,
		metricLabels:  []metrics.Label{{Name: "node", Value: conf.NodeName}},
	}

	if conf.CoalescePeriod > 0 && conf.QuiescentPeriod > 0 && conf.EventCh != nil {
		coalescer := newMemberEventCoalescer()
		conf.EventCh = coalescedEventCh(conf.EventCh, c.shutdownCh,
			conf.CoalescePeriod, conf.QuiescentPeriod, coalescer)
	}
	if conf.UserCoalescePeriod > 0 && conf.UserQuiescentPeriod > 0 && conf.EventCh != nil {
		coalescer := newUserEventCoalescer()
		conf.EventCh = coalescedEventCh(conf.EventCh, c.shutdownCh,
			conf.UserCoalescePeriod, conf.UserQuiescentPeriod, coalescer)
	}

	// Internal queries (ping/conflict/keyring) are interposed between the
	// raw event stream and whatever the caller asked to see.
	outCh, shutdownQueries, err := newClusterQueries(c, c.logger, conf.EventCh, c.shutdownCh)
	if err != nil {
		return nil, err
	}
	_ = shutdownQueries
	conf.EventCh = outCh

	c.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(c.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	c.eventBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(c.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}
	c.queryBroadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       func() int { return len(c.members) },
		RetransmitMult: conf.MemberlistConfig.RetransmitMult,
	}

	recentBuf := 32
	c.recentJoin = make([]nodeIntent, recentBuf)
	c.recentLeave = make([]nodeIntent, recentBuf)

	if conf.EventBuffer < 1 {
		conf.EventBuffer = 512
	}
	if conf.QueryBuffer < 1 {
		conf.QueryBuffer = 512
	}
	c.eventBuffer = make([]*userEvents, conf.EventBuffer)
	c.queryBuffer = make([]*queries, conf.QueryBuffer)

	// LTime 0 is reserved as "no join intent seen yet"; start clocks at 1.
	c.clock.Increment()
	c.eventClock.Increment()
	c.queryClock.Increment()

	if !conf.DisableCoordinates {
		client, err := coordinate.NewClient(coordinate.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("cluster: failed to create coordinate client: %v", err)
		}
		c.coordClient = client
		c.coordCache = make(map[string]*coordinate.Coordinate)
	}

	var oldClock, oldEventClock, oldQueryClock LamportTime
	var prev []*PreviousNode
	if conf.SnapshotPath != "" {
		eventCh, snap, err := NewSnapshotter(conf.SnapshotPath, snapshotSizeLimit(conf),
			c.logger, &c.clock, &c.eventClock, &c.queryClock, c.coordClient,
			conf.EventCh, c.shutdownCh)
		if err != nil {
			return nil, err
		}
		c.snapshotter = snap
		conf.EventCh = eventCh
		prev = snap.AliveNodes()
		oldClock = snap.LastClock()
		oldEventClock = snap.LastEventClock()
		oldQueryClock = snap.LastQueryClock()
		c.clock.Witness(oldClock)
		c.eventClock.Witness(oldEventClock)
		c.queryClock.Witness(oldQueryClock)

		if c.coordClient != nil {
			if coord := snap.LastCoordinate(); coord != nil {
				if err := c.coordClient.SetCoordinate(coord); err != nil {
					c.logger.Printf("[WARN] cluster: ignoring snapshotted coordinate: %v", err)
				}
			}
		}
	}

	conf.MemberlistConfig.Events = &eventDelegate{cluster: c}
	conf.MemberlistConfig.Delegate = &delegate{cluster: c}
	conf.MemberlistConfig.DelegateProtocolVersion = conf.ProtocolVersion
	conf.MemberlistConfig.DelegateProtocolMin = ProtocolVersionMin
	conf.MemberlistConfig.DelegateProtocolMax = ProtocolVersionMax
	conf.MemberlistConfig.Name = conf.NodeName
	if c.coordClient != nil {
		conf.MemberlistConfig.Ping = &pingDelegate{cluster: c}
	}
	conf.MemberlistConfig.Merge = &mergeDelegate{cluster: c}
	conf.MemberlistConfig.Conflict = &conflictDelegate{cluster: c}

	ml, err := memberlist.Create(conf.MemberlistConfig)
	if err != nil {
		return nil, err
	}
	c.memberlist = ml

	for _, name := range prev {
		if name.Name == conf.NodeName {
			ml.Shutdown()
			return nil, fmt.Errorf("cluster: snapshot contains this node's name (%q); refusing to start "+
				"to avoid an identity collision", conf.NodeName)
		}
	}

	go c.handleReap()
	go c.handleReconnect()
	go c.checkQueueDepth("Intent", c.broadcasts)
	go c.checkQueueDepth("Event", c.eventBroadcasts)
	go c.checkQueueDepth("Query", c.queryBroadcasts)

	if len(prev) > 0 {
		go c.autoRejoin(prev)
	}

	return c, nil
}

// snapshotSizeLimit picks the snapshot's compaction threshold:
// SnapshotBytesPerNode (128 KiB if unset) times a fixed cluster size of 8.
// The Snapshotter keeps this limit for its whole lifetime; it is not
// rescaled as the member count changes.
func snapshotSizeLimit(conf *Config) int {
	perNode := conf.SnapshotBytesPerNode
	if perNode < 1 {
		perNode = 128 * 1024
	}
	const assumedNodes = 8
	return perNode * assumedNodes
}

// autoRejoin attempts to rejoin the cluster's previously known alive
// members after an unclean shutdown, backing off exponentially between
// attempts until at least one succeeds.
func (c *Cluster) autoRejoin(prev []*PreviousNode) {
	addrs := make([]string, 0, len(prev))
	for _, p := range prev {
		addrs = append(addrs, p.Addr)
	}

	backoff := c.config.ReconnectInterval
	for attempt := 0; ; attempt++ {
		select {
		case <-c.shutdownCh:
			return
		default:
		}

		n, err := c.Join(addrs, true)
		if n > 0 {
			c.logger.Printf("[INFO] cluster: auto-rejoined %d/%d snapshotted peers", n, len(addrs))
			return
		}
		c.logger.Printf("[WARN] cluster: auto-rejoin attempt %d failed: %v", attempt+1, err)

		select {
		case <-time.After(backoff):
		case <-c.shutdownCh:
			return
		}
		if backoff < 5*time.Minute {
			backoff *= 2
		}
	}
}

// ProtocolVersion returns the cluster-level protocol version in use,
// distinct from the memberlist wire protocol version.
func (c *Cluster) ProtocolVersion() uint8 {
	return c.config.ProtocolVersion
}

// Join contacts each address in turn and push/pulls with it, returning the
// number successfully contacted. If ignoreOld is true, user events
// broadcast prior to the join are not delivered locally.
func (c *Cluster) Join(existing []string, ignoreOld bool) (int, error) {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == StateShutdown {
		return 0, fmt.Errorf("cluster: Join after Shutdown")
	}

	if ignoreOld {
		c.eventLock.Lock()
		c.eventJoinIgnore = true
		c.eventLock.Unlock()
		defer func() {
			c.eventLock.Lock()
			c.eventJoinIgnore = false
			c.eventLock.Unlock()
		}()
	}

	num, err := c.memberlist.Join(existing)
	if num > 0 {
		if jerr := c.broadcastJoin(c.clock.Time()); jerr != nil {
			return num, jerr
		}
	}
	return num, err
}

// broadcastJoin broadcasts a join intent at ltime, used both for our
// initial join and to refute a stale leave intent. Must not be called
// with memberLock held.
func (c *Cluster) broadcastJoin(ltime LamportTime) error {
	msg := messageJoin{LTime: ltime, Node: c.config.NodeName}
	c.clock.Witness(ltime)

	c.handleNodeJoinIntent(&msg)

	if err := c.broadcast(messageJoinType, msg.Node, &msg, nil); err != nil {
		c.logger.Printf("[WARN] cluster: failed to broadcast join intent: %v", err)
		return err
	}
	return nil
}

// Leave gracefully exits the cluster: broadcasts a leave intent, waits for
// it to drain (up to BroadcastTimeout), then stops probing. Safe to call
// more than once.
func (c *Cluster) Leave() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == StateLeft {
		return nil
	}
	if c.state == StateShutdown {
		return fmt.Errorf("cluster: Leave after Shutdown")
	}

	c.state = StateLeaving
	defer func() {
		if c.state == StateLeaving {
			c.state = StateAlive
		}
	}()

	msg := messageLeave{LTime: c.clock.Time(), Node: c.config.NodeName}
	c.clock.Increment()
	// handleNodeLeaveIntent reads State(), which takes stateLock, so the
	// lock is released around the call.
	c.stateLock.Unlock()
	c.handleNodeLeaveIntent(&msg)
	c.stateLock.Lock()
	if c.state == StateShutdown {
		return fmt.Errorf("cluster: Leave after Shutdown")
	}

	if c.hasAliveMembers() {
		notifyCh := make(chan struct{})
		if err := c.broadcast(messageLeaveType, msg.Node, &msg, notifyCh); err != nil {
			return err
		}
		select {
		case <-notifyCh:
		case <-time.After(c.config.BroadcastTimeout):
			return errors.New("cluster: timeout while waiting for graceful leave to propagate")
		}
	}

	if c.snapshotter != nil && !c.config.RejoinAfterLeave {
		c.snapshotter.Leave()
	}

	time.Sleep(c.config.LeavePropagateDelay)

	if err := c.memberlist.Leave(c.config.BroadcastTimeout); err != nil {
		return err
	}

	c.state = StateLeft
	return nil
}

// hasAliveMembers reports whether any member other than ourself is Alive.
func (c *Cluster) hasAliveMembers() bool {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()

	for _, m := range c.members {
		if m.Name == c.config.NodeName {
			continue
		}
		if m.Status == StatusAlive {
			return true
		}
	}
	return false
}

// RemoveFailedNode forcibly marks node Left without waiting for the
// reaper, and stops attempting to reconnect to it. Behaves like a Leave
// on the node's behalf followed by an immediate erase from the member
// map.
func (c *Cluster) RemoveFailedNode(node string) error {
	msg := messageLeave{LTime: c.clock.Time(), Node: node}
	c.clock.Increment()
	c.handleNodeLeaveIntent(&msg)

	c.memberLock.Lock()
	if m, ok := c.members[node]; ok && m.Status == StatusLeft {
		c.leftMembers = removeOldMember(c.leftMembers, node)
		delete(c.members, node)
	}
	c.memberLock.Unlock()

	if !c.hasAliveMembers() {
		return nil
	}

	notifyCh := make(chan struct{})
	if err := c.broadcast(messageLeaveType, msg.Node, &msg, notifyCh); err != nil {
		return err
	}
	select {
	case <-notifyCh:
	case <-time.After(c.config.BroadcastTimeout):
		return fmt.Errorf("cluster: timed out broadcasting forced removal of %q", node)
	}
	return nil
}

// Shutdown abruptly stops all network activity and background tasks,
// without broadcasting a leave intent. Peers will see this as a failure
// unless Leave was already called. Safe to call more than once.
func (c *Cluster) Shutdown() error {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == StateShutdown {
		return nil
	}
	if c.state != StateLeft {
		c.logger.Println("[WARN] cluster: Shutdown without a prior Leave")
	}

	if err := c.memberlist.Shutdown(); err != nil {
		return err
	}

	c.state = StateShutdown
	close(c.shutdownCh)

	if c.snapshotter != nil {
		c.snapshotter.Wait()
	}
	return nil
}

// State returns the current lifecycle state of this instance.
func (c *Cluster) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

// Members returns a point-in-time snapshot of every member this node
// currently knows about, in any status.
func (c *Cluster) Members() []Member {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()

	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.Member)
	}
	return out
}

// NumMembers returns the number of members in the local view, in any
// status.
func (c *Cluster) NumMembers() int {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()
	return len(c.members)
}

// LocalMember returns this node's own current Member record.
func (c *Cluster) LocalMember() Member {
	c.memberLock.RLock()
	defer c.memberLock.RUnlock()
	return c.members[c.config.NodeName].Member
}

// SetTags replaces this node's tag set entirely and gossips the change.
func (c *Cluster) SetTags(tags map[string]string) error {
	c.config.Tags = tags
	return c.memberlist.UpdateNode(c.config.BroadcastTimeout)
}

// UpdateTags adds (or overwrites) the keys in add, removes every key in
// remove, and gossips the resulting tag set.
func (c *Cluster) UpdateTags(add map[string]string, remove []string) error {
	tags := make(map[string]string, len(c.config.Tags)+len(add))
	for k, v := range c.config.Tags {
		tags[k] = v
	}
	for _, k := range remove {
		delete(tags, k)
	}
	for k, v := range add {
		tags[k] = v
	}
	return c.SetTags(tags)
}

// GetCoordinate returns this node's own estimated network coordinate, or
// nil if coordinates are disabled.
func (c *Cluster) GetCoordinate() (*coordinate.Coordinate, error) {
	if c.coordClient == nil {
		return nil, fmt.Errorf("cluster: coordinates are disabled for this instance")
	}
	return c.coordClient.GetCoordinate(), nil
}

// GetCachedCoordinate returns the last known coordinate for node, as
// observed via direct pings, or ok=false if none is cached yet.
func (c *Cluster) GetCachedCoordinate(node string) (coord *coordinate.Coordinate, ok bool) {
	if c.coordCache == nil {
		return nil, false
	}
	c.coordCacheLock.RLock()
	defer c.coordCacheLock.RUnlock()
	coord, ok = c.coordCache[node]
	return
}

// Stats returns diagnostic counters useful for monitoring and debugging.
func (c *Cluster) Stats() map[string]string {
	c.memberLock.RLock()
	numMembers := len(c.members)
	numFailed := len(c.failedMembers)
	numLeft := len(c.leftMembers)
	c.memberLock.RUnlock()

	return map[string]string{
		"members":         fmt.Sprintf("%d", numMembers),
		"failed":          fmt.Sprintf("%d", numFailed),
		"left":            fmt.Sprintf("%d", numLeft),
		"member_time":     fmt.Sprintf("%d", c.clock.Time()),
		"event_time":      fmt.Sprintf("%d", c.eventClock.Time()),
		"query_time":      fmt.Sprintf("%d", c.queryClock.Time()),
		"intent_queue":    fmt.Sprintf("%d", c.broadcasts.NumQueued()),
		"event_queue":     fmt.Sprintf("%d", c.eventBroadcasts.NumQueued()),
		"query_queue":     fmt.Sprintf("%d", c.queryBroadcasts.NumQueued()),
		"encrypted":       fmt.Sprintf("%v", c.EncryptionEnabled()),
		"health_score":    fmt.Sprintf("%d", c.memberlist.GetHealthScore()),
	}
}

// EncryptionEnabled reports whether a keyring is installed on the
// underlying memberlist config.
func (c *Cluster) EncryptionEnabled() bool {
	return c.config.MemberlistConfig.Keyring != nil
}

// KeyManager returns the cluster-wide keyring manager for this instance.
func (c *Cluster) KeyManager() *KeyManager {
	return &KeyManager{cluster: c}
}

// WriteKeyringFile persists the current keyring to disk at
// Config.KeyringFile, if one was configured.
func (c *Cluster) WriteKeyringFile() error {
	if c.keyringFile == "" {
		return nil
	}
	keyring := c.config.MemberlistConfig.Keyring
	if keyring == nil {
		return nil
	}
	return writeKeyringFile(c.keyringFile, keyring.GetKeys())
}

// broadcast encodes msg with type t and queues it on the membership-intent
// broadcast queue under key (the member name: a fresh intent about the
// same member invalidates whatever intent was still queued), firing
// notify (if non-nil) once it drops out of the queue.
func (c *Cluster) broadcast(t messageType, key string, msg interface{}, notify chan<- struct{}) error {
	raw, err := encodeMessage(t, msg, c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return err
	}
	c.broadcasts.QueueBroadcast(&broadcastMessage{key: key, msg: raw, notify: notify})
	return nil
}

// encodeTags serializes tags for NodeMeta. It applies no size limit of its
// own; delegate.NodeMeta checks the result against memberlist's limit.
func (c *Cluster) encodeTags(tags map[string]string) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(tags); err != nil {
		c.logger.Printf("[ERR] cluster: failed to encode tags: %v", err)
		return nil
	}
	return buf.Bytes()
}

// decodeTags deserializes tags gossiped in NodeMeta. A nil/empty input (an
// older protocol peer, or an encode failure) decodes to an empty map.
func (c *Cluster) decodeTags(meta []byte) map[string]string {
	tags := make(map[string]string)
	if len(meta) == 0 {
		return tags
	}
	if err := decodeMessage(meta, &tags); err != nil {
		c.logger.Printf("[WARN] cluster: failed to decode tags: %v", err)
	}
	return tags
}

// checkQueueDepth periodically logs a warning if queue's backlog exceeds
// QueueDepthWarning, and prunes it back down to MaxQueueDepth when it
// grows past that.
func (c *Cluster) checkQueueDepth(name string, queue *memberlist.TransmitLimitedQueue) {
	for {
		select {
		case <-time.After(c.config.QueueCheckInterval):
			n := queue.NumQueued()
			if n >= c.config.QueueDepthWarning {
				c.logger.Printf("[WARN] cluster: %s queue depth: %d", name, n)
			}
			if max := c.config.MaxQueueDepth; max > 0 && n > max {
				c.logger.Printf("[WARN] cluster: %s queue depth (%d) exceeds limit (%d), dropping messages",
					name, n, max)
				queue.Prune(max)
			}
		case <-c.shutdownCh:
			return
		}
	}
}
