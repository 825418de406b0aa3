package cluster

import (
	"bytes"
	"log"
	"testing"
)

func barePushPullCluster() *Cluster {
	return &Cluster{
		config:      &Config{NodeName: "local"},
		logger:      log.New(bytes.NewBuffer(nil), "", 0),
		members:     make(map[string]*memberState),
		recentJoin:  make([]nodeIntent, 32),
		recentLeave: make([]nodeIntent, 32),
		eventBuffer: make([]*userEvents, 32),
	}
}

func TestLocalState_EncodesClocksAndMembers(t *testing.T) {
	c := barePushPullCluster()
	c.members["a"] = &memberState{Member: Member{Name: "a"}, statusLTime: 3}
	c.leftMembers = append(c.leftMembers, &memberState{Member: Member{Name: "b"}, statusLTime: 5})
	c.clock.Witness(10)
	c.eventClock.Witness(20)
	c.queryClock.Witness(30)

	buf := c.localState(false)
	if len(buf) == 0 {
		t.Fatalf("expected a non-empty encoded state")
	}
	if messageType(buf[0]) != messagePushPullType {
		t.Fatalf("expected the first byte to tag a push/pull message, got %d", buf[0])
	}

	var pp messagePushPull
	if err := decodeMessage(buf[1:], &pp); err != nil {
		t.Fatalf("err: %v", err)
	}
	// Witness(v) on a zero clock leaves it at v+1.
	if pp.LTime != 11 || pp.EventLTime != 21 || pp.QueryLTime != 31 {
		t.Fatalf("expected the three clocks to round-trip, got %+v", pp)
	}
	if pp.StatusLTimes["a"] != 3 {
		t.Fatalf("expected a's status LTime to round-trip, got %+v", pp.StatusLTimes)
	}
	if len(pp.LeftMembers) != 1 || pp.LeftMembers[0] != "b" {
		t.Fatalf("expected b to be listed as a left member, got %+v", pp.LeftMembers)
	}
}

func TestMergeRemoteState_WitnessesClocksAndAppliesIntents(t *testing.T) {
	c := barePushPullCluster()

	pp := messagePushPull{
		LTime:        50,
		StatusLTimes: map[string]LamportTime{"a": 1, "b": 1},
		LeftMembers:  []string{"b"},
		EventLTime:   60,
		QueryLTime:   70,
	}
	buf, err := encodeMessage(messagePushPullType, &pp, false)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	c.mergeRemoteState(buf, false)

	if c.clock.Time() <= 50 {
		t.Fatalf("expected the member clock to witness 50, got %d", c.clock.Time())
	}
	if c.eventClock.Time() <= 60 {
		t.Fatalf("expected the event clock to witness 60, got %d", c.eventClock.Time())
	}
	if c.queryClock.Time() <= 70 {
		t.Fatalf("expected the query clock to witness 70, got %d", c.queryClock.Time())
	}

	// Neither "a" nor "b" was already known, so the join/leave intents are
	// only recorded in the recent-intent buffers, not materialized as
	// members (that only happens once memberlist itself reports them
	// Alive via handleNodeJoin).
	if recentIntent(c.recentJoin, "a") == nil {
		t.Fatalf("expected a join intent to be recorded for 'a'")
	}
	if recentIntent(c.recentLeave, "b") == nil {
		t.Fatalf("expected a leave intent to be recorded for 'b'")
	}
}

func TestMergeRemoteState_IgnoresEmptyOrMalformedBuffers(t *testing.T) {
	c := barePushPullCluster()
	c.mergeRemoteState(nil, false)
	if c.clock.Time() != 0 {
		t.Fatalf("expected an empty buffer to be a no-op, got clock %d", c.clock.Time())
	}

	c.mergeRemoteState([]byte{0xFF, 0x01, 0x02}, false)
	if c.clock.Time() != 0 {
		t.Fatalf("expected a wrongly-tagged buffer to be a no-op, got clock %d", c.clock.Time())
	}
}
