package cluster

import (
	"bytes"
	"log"
	"testing"
)

// bareCluster builds a Cluster with just enough wiring to exercise the
// Lamport-buffer logic directly, without standing up a real memberlist
// engine or sockets.
func bareCluster(bufSize int) *Cluster {
	c := &Cluster{
		config:      &Config{UserEventSizeLimit: 512},
		logger:      log.New(bytes.NewBuffer(nil), "", 0),
		eventBuffer: make([]*userEvents, bufSize),
	}
	return c
}

func TestHandleUserEvent_Deduplicates(t *testing.T) {
	c := bareCluster(32)
	c.config.EventCh = make(chan Event, 16)

	msg := &messageUserEvent{LTime: 5, Name: "deploy", Payload: []byte("v1")}

	if !c.handleUserEvent(msg) {
		t.Fatalf("expected the first delivery to be accepted")
	}
	for i := 0; i < 5; i++ {
		if c.handleUserEvent(msg) {
			t.Fatalf("replay %d: expected a duplicate event to be rejected", i)
		}
	}

	close(c.config.EventCh)
	count := 0
	for range c.config.EventCh {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one emission to the event sink, got %d", count)
	}
}

func TestHandleUserEvent_DropsOlderThanWindow(t *testing.T) {
	c := bareCluster(4)
	c.config.EventCh = make(chan Event, 16)
	c.eventClock.Witness(100)

	msg := &messageUserEvent{LTime: 90, Name: "old", Payload: []byte("x")}
	if c.handleUserEvent(msg) {
		t.Fatalf("expected an event older than the buffer window to be dropped")
	}
}

func TestHandleUserEvent_DifferentPayloadSameSlotBothDelivered(t *testing.T) {
	c := bareCluster(32)
	c.config.EventCh = make(chan Event, 16)

	a := &messageUserEvent{LTime: 3, Name: "deploy", Payload: []byte("v1")}
	b := &messageUserEvent{LTime: 3, Name: "deploy", Payload: []byte("v2")}

	if !c.handleUserEvent(a) {
		t.Fatalf("expected first event to be accepted")
	}
	if !c.handleUserEvent(b) {
		t.Fatalf("expected a distinct payload at the same LTime to be accepted")
	}
}

func TestHandleUserEvent_WitnessesClock(t *testing.T) {
	c := bareCluster(32)
	msg := &messageUserEvent{LTime: 50, Name: "x"}
	c.handleUserEvent(msg)
	if c.eventClock.Time() <= 50 {
		t.Fatalf("expected eventClock to witness LTime 50, got %d", c.eventClock.Time())
	}
}
