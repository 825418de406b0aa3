package cluster

import "reflect"

// nodeEvent is the most recent event that happened to one member, used to
// suppress a flush that would just repeat what was already reported.
type nodeEvent struct {
	Type   EventType
	Member *Member
}

func (n *nodeEvent) Equal(m *nodeEvent) bool {
	if m == nil {
		return false
	}
	if n.Type != m.Type {
		return false
	}
	if n.Type != EventMemberUpdate {
		return true
	}
	return reflect.DeepEqual(n.Member, m.Member)
}

// memberEventCoalescer merges a burst of join/leave/failed/update/reap
// events for the same node into the single, most recent transition.
type memberEventCoalescer struct {
	lastEvents map[string]*nodeEvent
	newEvents  map[string]*nodeEvent
}

func newMemberEventCoalescer() *memberEventCoalescer {
	return &memberEventCoalescer{
		lastEvents: make(map[string]*nodeEvent),
		newEvents:  make(map[string]*nodeEvent),
	}
}

func (c *memberEventCoalescer) Handle(e Event) bool {
	switch e.EventType() {
	case EventMemberJoin, EventMemberLeave, EventMemberFailed,
		EventMemberUpdate, EventMemberReap:
		return true
	default:
		return false
	}
}

func (c *memberEventCoalescer) Coalesce(raw Event) {
	e := raw.(MemberEvent)
	for _, m := range e.Members {
		m := m
		c.newEvents[m.Name] = &nodeEvent{Type: e.Type, Member: &m}
	}
}

func (c *memberEventCoalescer) Flush(outCh chan<- Event) {
	events := make(map[EventType]*MemberEvent)
	for name, e := range c.newEvents {
		if e.Equal(c.lastEvents[name]) {
			continue
		}
		c.lastEvents[name] = e

		event, ok := events[e.Type]
		if !ok {
			event = &MemberEvent{Type: e.Type}
			events[e.Type] = event
		}
		event.Members = append(event.Members, *e.Member)
	}
	for _, event := range events {
		outCh <- *event
	}
	c.newEvents = make(map[string]*nodeEvent)
}
