package cluster

import (
	"bytes"
	"log"
	"testing"
	"time"
)

func bareMemberCluster() *Cluster {
	return &Cluster{
		config:      &Config{NodeName: "local"},
		logger:      log.New(bytes.NewBuffer(nil), "", 0),
		members:     make(map[string]*memberState),
		recentJoin:  make([]nodeIntent, 32),
		recentLeave: make([]nodeIntent, 32),
	}
}

// A member that has reached Left must never be brought back to Alive by
// a join intent, no matter how far ahead its Lamport time is.
func TestHandleNodeJoinIntent_BlocksResurrectionOfLeft(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusLeft},
		statusLTime: 10,
	}

	accepted := c.handleNodeJoinIntent(&messageJoin{Node: "b", LTime: 1010})
	if accepted {
		t.Fatalf("a join intent must never resurrect a Left member")
	}
	if c.members["b"].Status != StatusLeft {
		t.Fatalf("expected status to remain Left, got %v", c.members["b"].Status)
	}
}

func TestHandleNodeJoinIntent_BlocksResurrectionOfFailed(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusFailed},
		statusLTime: 10,
	}

	if c.handleNodeJoinIntent(&messageJoin{Node: "b", LTime: 999999}) {
		t.Fatalf("a join intent must never resurrect a Failed member")
	}
	if c.members["b"].Status != StatusFailed {
		t.Fatalf("expected status to remain Failed, got %v", c.members["b"].Status)
	}
}

func TestHandleNodeJoinIntent_StaleIntentRejected(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusLeaving},
		statusLTime: 100,
	}

	if c.handleNodeJoinIntent(&messageJoin{Node: "b", LTime: 50}) {
		t.Fatalf("an intent with LTime <= statusLTime must be rejected as stale")
	}
}

func TestHandleNodeJoinIntent_TransitionsLeavingToAlive(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusLeaving},
		statusLTime: 5,
	}

	if !c.handleNodeJoinIntent(&messageJoin{Node: "b", LTime: 6}) {
		t.Fatalf("expected a fresh join intent to be accepted")
	}
	if c.members["b"].Status != StatusAlive {
		t.Fatalf("expected Leaving->Alive, got %v", c.members["b"].Status)
	}
}

func TestHandleNodeLeaveIntent_AliveToLeaving(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusAlive},
		statusLTime: 1,
	}

	if !c.handleNodeLeaveIntent(&messageLeave{Node: "b", LTime: 2}) {
		t.Fatalf("expected leave intent to be accepted")
	}
	if c.members["b"].Status != StatusLeaving {
		t.Fatalf("expected Alive->Leaving, got %v", c.members["b"].Status)
	}
}

func TestHandleNodeLeaveIntent_FailedToLeft(t *testing.T) {
	c := bareMemberCluster()
	c.members["b"] = &memberState{
		Member:      Member{Name: "b", Status: StatusFailed},
		statusLTime: 1,
		leaveTime:   time.Now(),
	}
	c.failedMembers = append(c.failedMembers, c.members["b"])

	if !c.handleNodeLeaveIntent(&messageLeave{Node: "b", LTime: 2}) {
		t.Fatalf("expected leave intent on a Failed member to be accepted")
	}
	if c.members["b"].Status != StatusLeft {
		t.Fatalf("expected Failed->Left, got %v", c.members["b"].Status)
	}
	if len(c.failedMembers) != 0 {
		t.Fatalf("expected the member to move out of failedMembers")
	}
	if len(c.leftMembers) != 1 {
		t.Fatalf("expected the member to move into leftMembers")
	}
}

func TestRecentIntent_ReturnsHighestLTime(t *testing.T) {
	buf := []nodeIntent{
		{Node: "a", LTime: 3},
		{Node: "a", LTime: 7},
		{Node: "b", LTime: 100},
	}
	found := recentIntent(buf, "a")
	if found == nil || found.LTime != 7 {
		t.Fatalf("expected highest LTime 7 for node a, got %+v", found)
	}
	if recentIntent(buf, "missing") != nil {
		t.Fatalf("expected nil for an unknown node")
	}
}
