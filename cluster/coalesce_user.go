package cluster

// latestUserEvents tracks, for one event name, every user event seen at the
// highest lamport time observed so far.
type latestUserEvents struct {
	LTime  LamportTime
	Events []Event
}

// userEventCoalescer lowers the number of user events delivered when many
// nodes fire the same named event at once: only the highest-lamport-time
// occurrences of each name survive a flush.
type userEventCoalescer struct {
	events map[string]*latestUserEvents
}

func newUserEventCoalescer() *userEventCoalescer {
	return &userEventCoalescer{
		events: make(map[string]*latestUserEvents),
	}
}

func (c *userEventCoalescer) Handle(e Event) bool {
	if e.EventType() != EventUser {
		return false
	}
	return e.(UserEvent).Coalesce
}

func (c *userEventCoalescer) Coalesce(e Event) {
	user := e.(UserEvent)
	latest, ok := c.events[user.Name]

	if !ok || latest.LTime < user.LTime {
		c.events[user.Name] = &latestUserEvents{
			LTime:  user.LTime,
			Events: []Event{e},
		}
		return
	}

	if latest.LTime == user.LTime {
		latest.Events = append(latest.Events, e)
	}
}

func (c *userEventCoalescer) Flush(outCh chan<- Event) {
	for _, latest := range c.events {
		for _, e := range latest.Events {
			outCh <- e
		}
	}
	c.events = make(map[string]*latestUserEvents)
}
