package memberlist

import (
	"testing"
	"time"
)

func TestKRandomNodes_ExcludesDeadAndNamed(t *testing.T) {
	nodes := []*nodeState{
		{Node: Node{Name: "a", State: StateAlive}},
		{Node: Node{Name: "b", State: StateAlive}},
		{Node: Node{Name: "c", State: StateDead}},
		{Node: Node{Name: "d", State: StateAlive}},
	}

	for i := 0; i < 20; i++ {
		got := kRandomNodes(3, []string{"a"}, nodes)
		for _, n := range got {
			if n.Name == "a" {
				t.Fatalf("excluded node %q returned", n.Name)
			}
			if n.Name == "c" {
				t.Fatalf("dead node %q returned", n.Name)
			}
		}
		if len(got) > 2 {
			t.Fatalf("expected at most 2 eligible nodes (b, d), got %d", len(got))
		}
	}
}

func TestMoveDeadNodes_PartitionsExpiredDead(t *testing.T) {
	now := time.Now()
	nodes := []*nodeState{
		{Node: Node{Name: "alive", State: StateAlive}},
		{Node: Node{Name: "stale-dead", State: StateDead}, StateChange: now.Add(-time.Hour)},
		{Node: Node{Name: "fresh-dead", State: StateDead}, StateChange: now},
	}

	idx := moveDeadNodes(nodes, 10*time.Minute)
	if idx != 2 {
		t.Fatalf("expected partition index 2 (alive + fresh-dead kept live), got %d", idx)
	}
	for _, n := range nodes[:idx] {
		if n.Name == "stale-dead" {
			t.Fatalf("expired dead node leaked into the live partition")
		}
	}
}

func TestAwareness_ScalesTimeoutWithScore(t *testing.T) {
	a := newAwareness(8)
	base := 10 * time.Millisecond

	if got := a.ScaleTimeout(base); got != base {
		t.Fatalf("expected no scaling at score 0, got %v", got)
	}

	a.ApplyDelta(3)
	if got := a.GetHealthScore(); got != 3 {
		t.Fatalf("expected score 3, got %d", got)
	}
	if got := a.ScaleTimeout(base); got != 4*base {
		t.Fatalf("expected 4x scaling at score 3, got %v", got)
	}

	a.ApplyDelta(-100)
	if got := a.GetHealthScore(); got != 0 {
		t.Fatalf("expected score clamped to 0, got %d", got)
	}

	a.ApplyDelta(100)
	if got := a.GetHealthScore(); got != a.max-1 {
		t.Fatalf("expected score clamped to max-1 (%d), got %d", a.max-1, got)
	}
}
