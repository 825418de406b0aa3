package cluster

import (
	"bytes"
	"log"
	"testing"
	"time"
)

func TestReap_RemovesExpiredAndKeepsFresh(t *testing.T) {
	c := &Cluster{
		config:  &Config{},
		logger:  log.New(bytes.NewBuffer(nil), "", 0),
		members: make(map[string]*memberState),
	}
	c.config.EventCh = make(chan Event, 16)

	expired := &memberState{Member: Member{Name: "expired"}, leaveTime: time.Now().Add(-time.Hour)}
	fresh := &memberState{Member: Member{Name: "fresh"}, leaveTime: time.Now()}
	c.members["expired"] = expired
	c.members["fresh"] = fresh

	remaining := c.reap([]*memberState{expired, fresh}, 10*time.Minute)

	if len(remaining) != 1 || remaining[0].Name != "fresh" {
		t.Fatalf("expected only the fresh member to remain, got %+v", remaining)
	}
	if _, ok := c.members["expired"]; ok {
		t.Fatalf("expected the expired member to be removed from the member map")
	}
	if _, ok := c.members["fresh"]; !ok {
		t.Fatalf("expected the fresh member to remain in the member map")
	}

	close(c.config.EventCh)
	var reaped []MemberEvent
	for e := range c.config.EventCh {
		reaped = append(reaped, e.(MemberEvent))
	}
	if len(reaped) != 1 || reaped[0].Type != EventMemberReap || reaped[0].Members[0].Name != "expired" {
		t.Fatalf("expected exactly one EventMemberReap for the expired member, got %+v", reaped)
	}
}

func TestReap_NothingExpired(t *testing.T) {
	c := &Cluster{
		config:  &Config{},
		logger:  log.New(bytes.NewBuffer(nil), "", 0),
		members: make(map[string]*memberState),
	}
	fresh := &memberState{Member: Member{Name: "fresh"}, leaveTime: time.Now()}
	c.members["fresh"] = fresh

	remaining := c.reap([]*memberState{fresh}, time.Hour)
	if len(remaining) != 1 {
		t.Fatalf("expected the fresh member to survive, got %d remaining", len(remaining))
	}
}

func TestRemoveOldMember(t *testing.T) {
	a := &memberState{Member: Member{Name: "a"}}
	b := &memberState{Member: Member{Name: "b"}}
	old := []*memberState{a, b}

	old = removeOldMember(old, "a")
	if len(old) != 1 || old[0].Name != "b" {
		t.Fatalf("expected only b to remain, got %+v", old)
	}

	old = removeOldMember(old, "missing")
	if len(old) != 1 {
		t.Fatalf("removing a missing name should be a no-op")
	}
}
