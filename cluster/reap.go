package cluster

import "time"

// reap removes members from old whose leaveTime exceeds timeout, deleting
// them from c.members as it goes. Locking is left to the caller; it must
// hold memberLock for writing.
func (c *Cluster) reap(old []*memberState, timeout time.Duration) []*memberState {
	now := time.Now()
	n := len(old)
	for i := 0; i < n; i++ {
		m := old[i]
		if now.Sub(m.leaveTime) <= timeout {
			continue
		}

		old[i], old[n-1] = old[n-1], nil
		old = old[:n-1]
		n--
		i--

		delete(c.members, m.Name)

		if c.config.EventCh != nil {
			c.config.EventCh <- MemberEvent{
				Type:    EventMemberReap,
				Members: []Member{m.Member},
			}
		}
	}
	return old
}

// handleReap periodically reaps failed members (after ReconnectTimeout) and
// left members (after TombstoneTimeout).
func (c *Cluster) handleReap() {
	for {
		select {
		case <-time.After(c.config.ReapInterval):
			c.memberLock.Lock()
			c.failedMembers = c.reap(c.failedMembers, c.config.ReconnectTimeout)
			c.leftMembers = c.reap(c.leftMembers, c.config.TombstoneTimeout)
			c.memberLock.Unlock()
		case <-c.shutdownCh:
			return
		}
	}
}
