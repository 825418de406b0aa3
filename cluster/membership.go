package cluster

import (
	"net"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/gossipd/memberlist"
)

// handleNodeJoin is invoked by the event delegate when the underlying
// memberlist engine observes a node transition into Alive from Dead or
// from nothing at all (including our own bootstrap).
func (c *Cluster) handleNodeJoin(n *memberlist.Node) {
	c.memberLock.Lock()
	defer c.memberLock.Unlock()

	var oldStatus MemberStatus
	member, ok := c.members[n.Name]
	if !ok {
		oldStatus = StatusNone
		member = &memberState{
			Member: Member{
				Name:   n.Name,
				Addr:   net.IP(n.Addr),
				Port:   n.Port,
				Tags:   c.decodeTags(n.Meta),
				Status: StatusAlive,
			},
		}

		if join := recentIntent(c.recentJoin, n.Name); join != nil {
			member.statusLTime = join.LTime
		}
		if leave := recentIntent(c.recentLeave, n.Name); leave != nil && leave.LTime > member.statusLTime {
			member.Status = StatusLeaving
			member.statusLTime = leave.LTime
		}

		c.members[n.Name] = member
	} else {
		oldStatus = member.Status
		member.Status = StatusAlive
		member.leaveTime = time.Time{}
		member.Addr = net.IP(n.Addr)
		member.Port = n.Port
		member.Tags = c.decodeTags(n.Meta)
	}

	member.ProtocolMin, member.ProtocolMax, member.ProtocolCur = n.PMin, n.PMax, n.PCur
	member.DelegateMin, member.DelegateMax, member.DelegateCur = n.DMin, n.DMax, n.DCur

	if oldStatus == StatusFailed || oldStatus == StatusLeft {
		c.failedMembers = removeOldMember(c.failedMembers, member.Name)
		c.leftMembers = removeOldMember(c.leftMembers, member.Name)
	}

	c.logger.Printf("[INFO] cluster: EventMemberJoin: %s %s", member.Name, member.Addr)
	metrics.IncrCounterWithLabels([]string{"cluster", "member", "join"}, 1, c.metricLabels)
	if c.config.EventCh != nil {
		c.config.EventCh <- MemberEvent{Type: EventMemberJoin, Members: []Member{member.Member}}
	}
}

// handleNodeLeave is invoked when memberlist observes a node leaving its
// Alive state (Suspect timer expiry, a Dead gossip message, or a graceful
// departure relayed by memberlist itself).
func (c *Cluster) handleNodeLeave(n *memberlist.Node) {
	c.memberLock.Lock()
	defer c.memberLock.Unlock()

	member, ok := c.members[n.Name]
	if !ok {
		return
	}

	switch member.Status {
	case StatusLeaving:
		member.Status = StatusLeft
		member.leaveTime = time.Now()
		c.leftMembers = append(c.leftMembers, member)
	case StatusAlive:
		member.Status = StatusFailed
		member.leaveTime = time.Now()
		c.failedMembers = append(c.failedMembers, member)
	default:
		c.logger.Printf("[WARN] cluster: bad state transition for %s on leave: %v", n.Name, member.Status)
		return
	}

	event, eventStr := EventMemberFailed, "EventMemberFailed"
	if member.Status == StatusLeft {
		event, eventStr = EventMemberLeave, "EventMemberLeave"
		metrics.IncrCounterWithLabels([]string{"cluster", "member", "left"}, 1, c.metricLabels)
	} else {
		metrics.IncrCounterWithLabels([]string{"cluster", "member", "failed"}, 1, c.metricLabels)
	}
	c.logger.Printf("[INFO] cluster: %s: %s %s", eventStr, member.Name, member.Addr)
	if c.config.EventCh != nil {
		c.config.EventCh <- MemberEvent{Type: event, Members: []Member{member.Member}}
	}
}

// handleNodeUpdate is invoked when memberlist observes new metadata (tags,
// protocol versions) for an already-Alive node.
func (c *Cluster) handleNodeUpdate(n *memberlist.Node) {
	c.memberLock.Lock()
	member, ok := c.members[n.Name]
	if !ok {
		c.memberLock.Unlock()
		return
	}

	member.Addr = net.IP(n.Addr)
	member.Port = n.Port
	member.Tags = c.decodeTags(n.Meta)
	member.ProtocolMin, member.ProtocolMax, member.ProtocolCur = n.PMin, n.PMax, n.PCur
	member.DelegateMin, member.DelegateMax, member.DelegateCur = n.DMin, n.DMax, n.DCur
	snapshot := member.Member
	c.memberLock.Unlock()

	metrics.IncrCounterWithLabels([]string{"cluster", "member", "update"}, 1, c.metricLabels)
	if c.config.EventCh != nil {
		c.config.EventCh <- MemberEvent{Type: EventMemberUpdate, Members: []Member{snapshot}}
	}
}

// handleNodeLeaveIntent processes a join/leave-independent Leave message,
// returning whether it should be rebroadcast further.
func (c *Cluster) handleNodeLeaveIntent(msg *messageLeave) bool {
	c.clock.Witness(msg.LTime)

	// Read before taking memberLock: Leave() acquires stateLock first and
	// then memberLock, so taking them in the other order here would
	// deadlock against a concurrent graceful leave. State() takes stateLock
	// itself, so callers must not hold it.
	state := c.State()

	c.memberLock.Lock()
	defer c.memberLock.Unlock()

	member, ok := c.members[msg.Node]
	if !ok {
		if recentIntent(c.recentLeave, msg.Node) != nil {
			return false
		}
		c.recentLeave[c.recentLeaveIndex] = nodeIntent{LTime: msg.LTime, Node: msg.Node}
		c.recentLeaveIndex = (c.recentLeaveIndex + 1) % len(c.recentLeave)
		return true
	}

	if msg.LTime <= member.statusLTime {
		return false
	}

	// We are being told to leave while we believe ourselves alive: refute
	// by rebroadcasting a fresher join, rather than accepting the intent.
	if msg.Node == c.config.NodeName && state == StateAlive {
		c.logger.Printf("[DEBUG] cluster: refuting an older leave intent")
		go c.broadcastJoin(c.clock.Time())
		return false
	}

	switch member.Status {
	case StatusAlive:
		member.Status = StatusLeaving
		member.statusLTime = msg.LTime
		return true
	case StatusFailed:
		member.Status = StatusLeft
		member.statusLTime = msg.LTime
		c.failedMembers = removeOldMember(c.failedMembers, member.Name)
		c.leftMembers = append(c.leftMembers, member)
		return true
	default:
		return false
	}
}

// handleNodeJoinIntent processes a Join message. A member already Left
// or Failed is never brought back to Alive by a join intent, regardless
// of its Lamport time; only a fresh alive message through the gossip
// layer can resurrect it.
func (c *Cluster) handleNodeJoinIntent(msg *messageJoin) bool {
	c.clock.Witness(msg.LTime)

	c.memberLock.Lock()
	defer c.memberLock.Unlock()

	member, ok := c.members[msg.Node]
	if !ok {
		if recentIntent(c.recentJoin, msg.Node) != nil {
			return false
		}
		c.recentJoin[c.recentJoinIndex] = nodeIntent{LTime: msg.LTime, Node: msg.Node}
		c.recentJoinIndex = (c.recentJoinIndex + 1) % len(c.recentJoin)
		return true
	}

	if msg.LTime <= member.statusLTime {
		return false
	}

	// Anti-resurrection: Left/Failed can only be cleared by a fresh SWIM
	// Alive (handleNodeJoin, with a strictly greater incarnation), never
	// by a join intent alone.
	if member.Status == StatusLeft || member.Status == StatusFailed {
		return false
	}

	member.statusLTime = msg.LTime
	if member.Status == StatusLeaving {
		member.Status = StatusAlive
	}
	return true
}

// removeOldMember removes the entry named name from old, if present.
func removeOldMember(old []*memberState, name string) []*memberState {
	for i, m := range old {
		if m.Name == name {
			n := len(old)
			old[i], old[n-1] = old[n-1], nil
			return old[:n-1]
		}
	}
	return old
}
