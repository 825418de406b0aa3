package cluster

// localState builds the payload this node sends during a push/pull
// exchange: every known member's status Lamport time (so a partitioned
// peer can catch up on join/leave intents it missed), plus a snapshot of
// recent user events and the three clocks.
func (c *Cluster) localState(join bool) []byte {
	c.memberLock.RLock()
	statusLTimes := make(map[string]LamportTime, len(c.members))
	for name, m := range c.members {
		statusLTimes[name] = m.statusLTime
	}
	leftMembers := make([]string, 0, len(c.leftMembers))
	for _, m := range c.leftMembers {
		leftMembers = append(leftMembers, m.Name)
	}
	c.memberLock.RUnlock()

	c.eventLock.RLock()
	events := make([]*userEvents, len(c.eventBuffer))
	copy(events, c.eventBuffer)
	eventLTime := c.eventClock.Time()
	c.eventLock.RUnlock()

	pp := messagePushPull{
		LTime:        c.clock.Time(),
		StatusLTimes: statusLTimes,
		LeftMembers:  leftMembers,
		EventLTime:   eventLTime,
		Events:       events,
		QueryLTime:   c.queryClock.Time(),
	}

	buf, err := encodeMessage(messagePushPullType, &pp, c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		c.logger.Printf("[ERR] cluster: failed to encode local push/pull state: %v", err)
		return nil
	}
	return buf
}

// mergeRemoteState folds a peer's push/pull payload into our own view,
// witnessing its clocks and replaying any join/leave intents and user
// events we hadn't seen yet.
func (c *Cluster) mergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	if messageType(buf[0]) != messagePushPullType {
		c.logger.Printf("[ERR] cluster: received invalid push/pull type: %d", buf[0])
		return
	}

	var pp messagePushPull
	if err := decodeMessage(buf[1:], &pp); err != nil {
		c.logger.Printf("[ERR] cluster: failed to decode remote push/pull state: %v", err)
		return
	}

	c.clock.Witness(pp.LTime)

	left := make(map[string]bool, len(pp.LeftMembers))
	for _, name := range pp.LeftMembers {
		left[name] = true
	}
	for name, ltime := range pp.StatusLTimes {
		if left[name] {
			c.handleNodeLeaveIntent(&messageLeave{LTime: ltime, Node: name})
		} else {
			c.handleNodeJoinIntent(&messageJoin{LTime: ltime, Node: name})
		}
	}

	c.eventClock.Witness(pp.EventLTime)

	// A join with ignoreOld raises the floor below which replayed events
	// are dropped, so history from before we joined is not re-delivered.
	c.eventLock.Lock()
	if c.eventJoinIgnore && c.eventMinTime < pp.EventLTime {
		c.eventMinTime = pp.EventLTime
	}
	c.eventLock.Unlock()

	for _, events := range pp.Events {
		if events == nil {
			continue
		}
		for _, e := range events.Events {
			c.handleUserEvent(&messageUserEvent{LTime: events.LTime, Name: e.Name, Payload: e.Payload})
		}
	}

	c.queryClock.Witness(pp.QueryLTime)
}
