package cluster

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/gossipd/memberlist"
)

// randomSeqNo returns a random query ID, used as the opaque correlation
// token a response's (LTime, ID) pair is deduplicated against. Collisions
// only risk a spurious dedup against an unrelated query, not correctness,
// but we still draw from go-uuid rather than a hand-rolled math/rand call
// to get it, matching the ecosystem convention for an opaque ID a remote
// peer must never compare or order.
func randomSeqNo() uint32 {
	raw, err := uuid.GenerateRandomBytes(4)
	if err != nil {
		return rand.Uint32()
	}
	return binary.BigEndian.Uint32(raw)
}

// Query is delivered on Config.EventCh when a node (possibly ourselves)
// issues a Query this node matches. Respond sends a single reply directly
// back to the querier; calling it more than once returns an error.
type Query struct {
	cluster     *Cluster
	id          uint32
	ltime       LamportTime
	name        string
	payload     []byte
	sourceAddr  net.IP
	sourcePort  uint16
	relayFactor uint8
	deadline    time.Time
	respondLock sync.Mutex
	responded   bool
}

func (q *Query) EventType() EventType { return EventQuery }

// LTime is the Lamport time this query was issued at.
func (q *Query) LTime() LamportTime { return q.ltime }

// Name is the query's name, as passed to Cluster.Query.
func (q *Query) Name() string { return q.name }

// Payload is the query's opaque request body.
func (q *Query) Payload() []byte { return q.payload }

// Deadline is the time after which a response is no longer useful to the
// querier and should not be sent.
func (q *Query) Deadline() time.Time { return q.deadline }

// Respond sends buf back to the node that issued this query. It may be
// called at most once.
func (q *Query) Respond(buf []byte) error {
	q.respondLock.Lock()
	defer q.respondLock.Unlock()
	if q.responded {
		return fmt.Errorf("cluster: query response already sent")
	}
	if time.Now().After(q.deadline) {
		return fmt.Errorf("cluster: query response is past the deadline")
	}
	if len(buf) > q.cluster.config.QueryResponseSizeLimit {
		return fmt.Errorf("cluster: query response exceeds limit of %d bytes",
			q.cluster.config.QueryResponseSizeLimit)
	}

	resp := messageQueryResponse{
		LTime:   q.ltime,
		ID:      q.id,
		From:    q.cluster.config.NodeName,
		Payload: buf,
	}
	raw, err := encodeMessage(messageQueryResponseType, &resp, q.cluster.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: q.sourceAddr, Port: int(q.sourcePort)}
	sendErr := q.cluster.memberlist.SendTo(addr.String(), raw)
	if sendErr != nil {
		// Typically the framed response outgrew a single datagram; a
		// stream to the originator carries it without the MTU ceiling.
		origin := &memberlist.Node{Addr: q.sourceAddr, Port: q.sourcePort}
		sendErr = q.cluster.memberlist.SendReliable(origin, raw)
	}
	q.cluster.relayResponse(q.relayFactor, addr.String(), raw)
	if sendErr != nil {
		return sendErr
	}
	q.responded = true
	return nil
}

// relayResponse additionally forwards raw through relayFactor randomly
// chosen members, as insurance against the direct UDP send above being
// dropped; each relay just unwraps and re-sends, it never interprets raw.
func (c *Cluster) relayResponse(relayFactor uint8, dest string, raw []byte) {
	if relayFactor == 0 {
		return
	}

	members := c.memberlist.Members()
	local := c.config.NodeName
	candidates := make([]string, 0, len(members))
	for _, m := range members {
		if m.Name == local {
			continue
		}
		candidates = append(candidates, m.Address())
	}
	if len(candidates) == 0 {
		return
	}

	relayMsg := encodeRelayMessage(dest, raw)
	n := int(relayFactor)
	if n > len(candidates) {
		n = len(candidates)
	}
	perm := rand.Perm(len(candidates))
	for i := 0; i < n; i++ {
		addr := candidates[perm[i]]
		if err := c.memberlist.SendTo(addr, relayMsg); err != nil {
			c.logger.Printf("[WARN] cluster: failed to relay query response through %s: %v", addr, err)
		}
	}
}

// QueryParam customizes how a Query is distributed and answered. A zero
// value (or nil, passed to Cluster.Query) behaves like DefaultQueryParams.
type QueryParam struct {
	// FilterNodes, if non-empty, restricts delivery to these node names.
	FilterNodes []string

	// FilterTags, if non-empty, restricts delivery to nodes whose tag
	// values match the given regular expressions.
	FilterTags map[string]string

	// RequestAck requests that every matching node send an ack, in
	// addition to any Respond call, visible on QueryResponse.AckCh.
	RequestAck bool

	// RelayFactor, if non-zero, has each responding node relay its
	// response through this many randomly chosen other members, as
	// insurance against the response's direct UDP packet being lost.
	RelayFactor uint8

	// Timeout bounds how long the query stays open for new acks and
	// responses. Zero selects a default scaled by QueryTimeoutMult and
	// cluster size.
	Timeout time.Duration
}

// DefaultQueryParams returns query parameters with a size-appropriate
// default timeout and no filtering.
func (c *Cluster) DefaultQueryParams() *QueryParam {
	return &QueryParam{
		Timeout: c.defaultQueryTimeout(),
	}
}

func (c *Cluster) defaultQueryTimeout() time.Duration {
	n := c.NumMembers()
	timeout := time.Duration(c.config.QueryTimeoutMult) * time.Duration(median(n)) * c.config.MemberlistConfig.GossipInterval
	if timeout < 100*time.Millisecond {
		timeout = 100 * time.Millisecond
	}
	return timeout
}

// median approximates the gossip convergence round count for n nodes;
// grows with log2(n+1), matching how memberlist itself scales its
// retransmit count.
func median(n int) int {
	rounds := 1
	for i := 1; i < n; i *= 2 {
		rounds++
	}
	return rounds
}

func (q *QueryParam) encodeFilters(msgpackUseNewTimeFormat bool) ([][]byte, error) {
	var filters [][]byte
	if len(q.FilterNodes) > 0 {
		filt, err := encodeFilter(filterNodeType, filterNode(q.FilterNodes), msgpackUseNewTimeFormat)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filt)
	}
	for tag, expr := range q.FilterTags {
		filt, err := encodeFilter(filterTagType, filterTag{Tag: tag, Expr: expr}, msgpackUseNewTimeFormat)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filt)
	}
	return filters, nil
}

// NodeResponse carries a single node's reply to a Query.
type NodeResponse struct {
	From    string
	Payload []byte
}

// QueryResponse streams the acks and responses to a single outstanding
// Query, until Timeout (or Deadline) passes.
type QueryResponse struct {
	ackCh    chan string
	respCh   chan NodeResponse
	deadline time.Time

	// closeLock guards closed, the channel-close itself, and every send
	// on ackCh/respCh: a send must never race a concurrent close of the
	// same channel, so both paths serialize on this one lock rather than
	// on separate locks for "deliver" and "tear down".
	closeLock sync.Mutex
	closed    bool
	closeCh   chan struct{}

	respondedFrom map[string]struct{}
	ackedFrom     map[string]struct{}
}

func newQueryResponse(n int, q *messageQuery) *QueryResponse {
	return &QueryResponse{
		ackCh:         make(chan string, n),
		respCh:        make(chan NodeResponse, n),
		deadline:      time.Now().Add(q.Timeout),
		closeCh:       make(chan struct{}),
		respondedFrom: make(map[string]struct{}),
		ackedFrom:     make(map[string]struct{}),
	}
}

// Deadline is the time this query stops accepting new acks or responses.
func (r *QueryResponse) Deadline() time.Time { return r.deadline }

// Finished reports whether the deadline has passed.
func (r *QueryResponse) Finished() bool {
	return time.Now().After(r.deadline)
}

// AckCh streams the name of every node that acked, if RequestAck was set.
// Closed once the deadline passes.
func (r *QueryResponse) AckCh() <-chan string { return r.ackCh }

// ResponseCh streams each node's reply. Closed once the deadline passes.
func (r *QueryResponse) ResponseCh() <-chan NodeResponse { return r.respCh }

func (r *QueryResponse) close() {
	r.closeLock.Lock()
	defer r.closeLock.Unlock()
	if r.closed {
		return
	}
	close(r.ackCh)
	close(r.respCh)
	close(r.closeCh)
	r.closed = true
}

// Query broadcasts name/payload to the cluster (optionally filtered) and
// returns a QueryResponse that streams back acks and replies as they
// arrive. params may be nil to use DefaultQueryParams.
func (c *Cluster) Query(name string, payload []byte, params *QueryParam) (*QueryResponse, error) {
	if params == nil {
		params = c.DefaultQueryParams()
	}
	if params.Timeout == 0 {
		params.Timeout = c.defaultQueryTimeout()
	}
	if len(name)+len(payload) > c.config.QuerySizeLimit {
		return nil, fmt.Errorf("cluster: query exceeds limit of %d bytes", c.config.QuerySizeLimit)
	}

	filters, err := params.encodeFilters(c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to encode query filters: %v", err)
	}

	var flags uint32
	if params.RequestAck {
		flags |= queryFlagAck
	}

	local := c.memberlist.LocalNode()
	q := messageQuery{
		LTime:       c.queryClock.Time(),
		ID:          uint32(randomSeqNo()),
		Addr:        []byte(local.Addr),
		Port:        local.Port,
		Filters:     filters,
		Flags:       flags,
		RelayFactor: params.RelayFactor,
		Timeout:     params.Timeout,
		Name:        name,
		Payload:     payload,
	}
	c.queryClock.Increment()

	resp := newQueryResponse(c.NumMembers(), &q)
	c.registerQueryResponse(q.LTime, resp)

	raw, err := encodeMessage(messageQueryType, &q, c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return nil, err
	}
	c.queryBroadcasts.QueueBroadcast(&broadcastMessage{msg: raw})

	if c.config.EventCh != nil && c.shouldProcessQuery(&q) {
		c.deliverQuery(&q)
	}

	return resp, nil
}

func (c *Cluster) registerQueryResponse(ltime LamportTime, resp *QueryResponse) {
	c.queryLTimeMap.Lock()
	defer c.queryLTimeMap.Unlock()
	c.queryResponse[ltime] = resp

	time.AfterFunc(resp.deadline.Sub(time.Now()), func() {
		c.queryLTimeMap.Lock()
		delete(c.queryResponse, ltime)
		c.queryLTimeMap.Unlock()
		resp.close()
	})
}

// handleQuery processes a query received from the gossip layer (or
// delivered locally), returning whether it should be rebroadcast further.
func (c *Cluster) handleQuery(query *messageQuery) bool {
	c.queryClock.Witness(query.LTime)

	c.queryLock.Lock()
	if query.LTime < c.queryMinTime {
		c.queryLock.Unlock()
		return false
	}
	curTime := c.queryClock.Time()
	if curTime > LamportTime(len(c.queryBuffer)) &&
		query.LTime < curTime-LamportTime(len(c.queryBuffer)) {
		c.queryLock.Unlock()
		return false
	}
	idx := query.LTime % LamportTime(len(c.queryBuffer))
	seen := c.queryBuffer[idx]
	if seen != nil && seen.LTime == query.LTime {
		for _, id := range seen.QueryIDs {
			if id == query.ID {
				c.queryLock.Unlock()
				return false
			}
		}
	} else {
		seen = &queries{LTime: query.LTime}
		c.queryBuffer[idx] = seen
	}
	seen.QueryIDs = append(seen.QueryIDs, query.ID)
	c.queryLock.Unlock()

	metrics.IncrCounterWithLabels([]string{"cluster", "queries"}, 1, c.metricLabels)
	metrics.IncrCounterWithLabels([]string{"cluster", "queries", query.Name}, 1, c.metricLabels)

	if !c.shouldProcessQuery(query) {
		return true
	}

	if query.Flags&queryFlagAck != 0 {
		c.sendQueryAck(query)
	}
	c.deliverQuery(query)
	return query.Flags&queryFlagNoBroadcast == 0
}

func (c *Cluster) deliverQuery(query *messageQuery) {
	if c.config.EventCh == nil {
		return
	}
	c.config.EventCh <- &Query{
		cluster:     c,
		id:          query.ID,
		ltime:       query.LTime,
		name:        query.Name,
		payload:     query.Payload,
		sourceAddr:  net.IP(query.Addr),
		sourcePort:  query.Port,
		relayFactor: query.RelayFactor,
		deadline:    time.Now().Add(query.Timeout),
	}
}

func (c *Cluster) sendQueryAck(query *messageQuery) {
	ack := messageQueryResponse{
		LTime: query.LTime,
		ID:    query.ID,
		From:  c.config.NodeName,
		Flags: queryFlagAck,
	}
	raw, err := encodeMessage(messageQueryResponseType, &ack, c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		c.logger.Printf("[ERR] cluster: failed to encode query ack: %v", err)
		return
	}
	addr := &net.UDPAddr{IP: net.IP(query.Addr), Port: int(query.Port)}
	if err := c.memberlist.SendTo(addr.String(), raw); err != nil {
		c.logger.Printf("[ERR] cluster: failed to send query ack: %v", err)
	}
}

// handleQueryResponse routes an ack or reply back to the QueryResponse it
// belongs to, deduplicating against repeated deliveries of the same node's
// answer.
func (c *Cluster) handleQueryResponse(resp *messageQueryResponse) {
	c.queryLTimeMap.Lock()
	query, ok := c.queryResponse[resp.LTime]
	c.queryLTimeMap.Unlock()
	if !ok {
		c.logger.Printf("[WARN] cluster: reply for non-running query (LTime: %d, ID: %d) From: %s",
			resp.LTime, resp.ID, resp.From)
		return
	}

	query.closeLock.Lock()
	defer query.closeLock.Unlock()
	if query.closed {
		return
	}

	if resp.Flags&queryFlagAck != 0 {
		if _, seen := query.ackedFrom[resp.From]; seen {
			return
		}
		query.ackedFrom[resp.From] = struct{}{}
		select {
		case query.ackCh <- resp.From:
		default:
			c.logger.Printf("[WARN] cluster: ack channel full, dropping ack from %s", resp.From)
		}
		return
	}

	if _, seen := query.respondedFrom[resp.From]; seen {
		return
	}
	query.respondedFrom[resp.From] = struct{}{}
	select {
	case query.respCh <- NodeResponse{From: resp.From, Payload: resp.Payload}:
	default:
		c.logger.Printf("[WARN] cluster: response channel full, dropping response from %s", resp.From)
	}
}

// shouldProcessQuery evaluates every filter attached to query against this
// node's own name and tags; an unrecognized filter type is treated as a
// non-match so an old node never answers a query it can't understand.
func (c *Cluster) shouldProcessQuery(query *messageQuery) bool {
	for _, filt := range query.Filters {
		if len(filt) == 0 {
			return false
		}
		switch filterType(filt[0]) {
		case filterNodeType:
			var nodes filterNode
			if err := decodeMessage(filt[1:], &nodes); err != nil {
				c.logger.Printf("[WARN] cluster: failed to decode node filter: %v", err)
				return false
			}
			found := false
			for _, n := range nodes {
				if n == c.config.NodeName {
					found = true
					break
				}
			}
			if !found {
				return false
			}

		case filterTagType:
			var tag filterTag
			if err := decodeMessage(filt[1:], &tag); err != nil {
				c.logger.Printf("[WARN] cluster: failed to decode tag filter: %v", err)
				return false
			}
			expr, err := regexp.Compile(tag.Expr)
			if err != nil {
				c.logger.Printf("[WARN] cluster: failed to compile tag filter regex %q: %v", tag.Expr, err)
				return false
			}
			val, ok := c.config.Tags[tag.Tag]
			if !ok || !expr.MatchString(val) {
				return false
			}

		default:
			return false
		}
	}
	return true
}

// queries buffers every QueryID witnessed at a single Lamport time, so a
// replayed or out-of-order copy of the same query can be recognized and
// dropped, mirroring userEvents' role for user events.
type queries struct {
	LTime    LamportTime
	QueryIDs []uint32
}
