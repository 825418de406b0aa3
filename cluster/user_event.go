package cluster

import (
	"bytes"
	"fmt"

	"github.com/armon/go-metrics"
)

// userEvent is a single occurrence of a named user event, deduplicated by
// name+payload within a given Lamport time slot.
type userEvent struct {
	Name    string
	Payload []byte
}

func (u *userEvent) Equals(other *userEvent) bool {
	if u.Name != other.Name {
		return false
	}
	return bytes.Equal(u.Payload, other.Payload)
}

// userEvents buffers every distinct userEvent witnessed at a single
// Lamport time, so a replayed or out-of-order copy of the same event can
// be recognized and dropped.
type userEvents struct {
	LTime  LamportTime
	Events []userEvent
}

// UserEvent broadcasts a custom event with the given name and payload to
// the cluster. coalesce, if true, permits a receiving node configured with
// UserCoalescePeriod to merge repeated occurrences of this event name
// rather than deliver each one individually.
func (c *Cluster) UserEvent(name string, payload []byte, coalesce bool) error {
	if len(name)+len(payload) > c.config.UserEventSizeLimit {
		return fmt.Errorf("cluster: user event exceeds limit of %d bytes", c.config.UserEventSizeLimit)
	}

	msg := messageUserEvent{
		LTime:   c.eventClock.Time(),
		Name:    name,
		Payload: payload,
		CC:      coalesce,
	}
	c.eventClock.Increment()

	c.handleUserEvent(&msg)

	raw, err := encodeMessage(messageUserEventType, &msg, c.config.MsgpackUseNewTimeFormat)
	if err != nil {
		return err
	}
	c.eventBroadcasts.QueueBroadcast(&broadcastMessage{msg: raw})
	return nil
}

// handleUserEvent processes a user event broadcast, local or received,
// deduplicating against the sliding window kept in eventBuffer. Returns
// whether the message is new and should be rebroadcast further.
func (c *Cluster) handleUserEvent(eventMsg *messageUserEvent) bool {
	c.eventClock.Witness(eventMsg.LTime)

	c.eventLock.Lock()
	defer c.eventLock.Unlock()

	if eventMsg.LTime < c.eventMinTime {
		return false
	}

	curTime := c.eventClock.Time()
	if curTime > LamportTime(len(c.eventBuffer)) &&
		eventMsg.LTime < curTime-LamportTime(len(c.eventBuffer)) {
		c.logger.Printf("[WARN] cluster: received old event %s from time %d (current: %d)",
			eventMsg.Name, eventMsg.LTime, curTime)
		return false
	}

	idx := eventMsg.LTime % LamportTime(len(c.eventBuffer))
	seen := c.eventBuffer[idx]
	event := userEvent{Name: eventMsg.Name, Payload: eventMsg.Payload}

	if seen != nil && seen.LTime == eventMsg.LTime {
		for _, prior := range seen.Events {
			if prior.Equals(&event) {
				return false
			}
		}
	} else {
		seen = &userEvents{LTime: eventMsg.LTime}
		c.eventBuffer[idx] = seen
	}
	seen.Events = append(seen.Events, event)

	metrics.IncrCounterWithLabels([]string{"cluster", "events"}, 1, c.metricLabels)
	metrics.IncrCounterWithLabels([]string{"cluster", "events", eventMsg.Name}, 1, c.metricLabels)

	if c.config.EventCh != nil {
		c.config.EventCh <- UserEvent{
			LTime:    eventMsg.LTime,
			Name:     eventMsg.Name,
			Payload:  eventMsg.Payload,
			Coalesce: eventMsg.CC,
		}
	}
	return true
}
