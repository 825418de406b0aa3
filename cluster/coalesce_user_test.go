package cluster

import "testing"

func TestUserEventCoalescer_Handle(t *testing.T) {
	c := newUserEventCoalescer()
	if !c.Handle(UserEvent{Name: "deploy", Coalesce: true}) {
		t.Fatalf("expected coalescable user events to be handled")
	}
	if c.Handle(MemberEvent{}) {
		t.Fatalf("expected member events to pass through untouched")
	}
}

func TestUserEventCoalescer_KeepsOnlyHighestLTime(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1, Payload: []byte("v1")})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 2, Payload: []byte("v2")})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1, Payload: []byte("stale")})

	out := make(chan Event, 10)
	c.Flush(out)
	close(out)

	var events []UserEvent
	for e := range out {
		events = append(events, e.(UserEvent))
	}
	if len(events) != 1 {
		t.Fatalf("expected only the highest-LTime occurrence to survive, got %d", len(events))
	}
	if string(events[0].Payload) != "v2" {
		t.Fatalf("expected v2 to survive, got %q", events[0].Payload)
	}
}

func TestUserEventCoalescer_TiesAtSameLTimeAllSurvive(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 5, Payload: []byte("a")})
	c.Coalesce(UserEvent{Name: "deploy", LTime: 5, Payload: []byte("b")})

	out := make(chan Event, 10)
	c.Flush(out)
	close(out)

	count := 0
	for range out {
		count++
	}
	if count != 2 {
		t.Fatalf("expected both same-LTime events to survive, got %d", count)
	}
}

func TestUserEventCoalescer_DistinctNamesIndependent(t *testing.T) {
	c := newUserEventCoalescer()
	c.Coalesce(UserEvent{Name: "deploy", LTime: 1})
	c.Coalesce(UserEvent{Name: "restart", LTime: 1})

	out := make(chan Event, 10)
	c.Flush(out)
	close(out)

	count := 0
	for range out {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 distinct names to both survive, got %d", count)
	}
}
