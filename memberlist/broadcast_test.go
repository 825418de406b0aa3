package memberlist

import "testing"

type fakeBroadcast struct {
	key     string
	msg     []byte
	done    chan struct{}
}

func (f *fakeBroadcast) Invalidates(other Broadcast) bool {
	o, ok := other.(*fakeBroadcast)
	return ok && f.key != "" && f.key == o.key
}
func (f *fakeBroadcast) Message() []byte { return f.msg }
func (f *fakeBroadcast) Finished() {
	if f.done != nil {
		close(f.done)
	}
}

func TestTransmitLimitedQueue_InvalidatesOlder(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 3}

	oldDone := make(chan struct{})
	q.QueueBroadcast(&fakeBroadcast{key: "m1", msg: []byte("old"), done: oldDone})
	q.QueueBroadcast(&fakeBroadcast{key: "m1", msg: []byte("new")})

	select {
	case <-oldDone:
	default:
		t.Fatalf("queueing a newer broadcast for the same key should finish the older one")
	}
	if q.NumQueued() != 1 {
		t.Fatalf("expected exactly one live broadcast for the key, got %d", q.NumQueued())
	}
}

func TestTransmitLimitedQueue_GetBroadcasts_OrderAndLimit(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 10}

	q.QueueBroadcast(&fakeBroadcast{key: "a", msg: []byte("aaaa")})
	q.QueueBroadcast(&fakeBroadcast{key: "b", msg: []byte("b")})

	out := q.GetBroadcasts(0, 2)
	if len(out) != 1 || string(out[0]) != "b" {
		t.Fatalf("expected only the smaller message to fit the byte budget, got %v", out)
	}
}

func TestTransmitLimitedQueue_RetransmitLimitExpires(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 1 }, RetransmitMult: 1}

	done := make(chan struct{})
	q.QueueBroadcast(&fakeBroadcast{key: "a", msg: []byte("x"), done: done})

	limit := retransmitLimit(1, 1)
	for i := 0; i < limit; i++ {
		if got := q.GetBroadcasts(0, 100); len(got) != 1 {
			t.Fatalf("iteration %d: expected the broadcast to still be queued", i)
		}
	}

	select {
	case <-done:
	default:
		t.Fatalf("expected Finished to fire once the retransmit limit was reached")
	}
	if q.NumQueued() != 0 {
		t.Fatalf("expected the queue to be empty after the retransmit limit, got %d", q.NumQueued())
	}
}

func TestRetransmitLimit_FloorOfOne(t *testing.T) {
	if got := retransmitLimit(0, 0); got < 1 {
		t.Fatalf("retransmit limit must never be less than 1, got %d", got)
	}
}

func TestTransmitLimitedQueue_PruneDropsMostTransmitted(t *testing.T) {
	q := &TransmitLimitedQueue{NumNodes: func() int { return 100 }, RetransmitMult: 10}

	oldDone := make(chan struct{})
	q.QueueBroadcast(&fakeBroadcast{key: "old", msg: []byte("old"), done: oldDone})
	// One transmission round so "old" carries a higher transmit count
	// than anything queued after it.
	if got := q.GetBroadcasts(0, 100); len(got) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(got))
	}

	q.QueueBroadcast(&fakeBroadcast{key: "fresh", msg: []byte("fresh")})

	q.Prune(1)
	if q.NumQueued() != 1 {
		t.Fatalf("expected exactly 1 broadcast after Prune(1), got %d", q.NumQueued())
	}
	select {
	case <-oldDone:
	default:
		t.Fatalf("expected the most-transmitted broadcast to be the one pruned")
	}
	if got := q.GetBroadcasts(0, 100); len(got) != 1 || string(got[0]) != "fresh" {
		t.Fatalf("expected the fresh broadcast to survive, got %v", got)
	}
}
