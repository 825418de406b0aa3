package memberlist

import (
	"container/heap"
	"math"
	"sync"
)

// TransmitLimitedQueue is a priority queue of Broadcast messages, ordered
// by ascending retransmit count (entries with equal counts come out in no
// defined order), used to piggyback
// application and membership gossip onto probe/gossip packets. At most
// one live entry is kept per invalidation key; a newer entry displaces an
// older one about the same subject atomically.
type TransmitLimitedQueue struct {
	// NumNodes returns the current cluster size, used to compute the
	// retransmit limit: ceil(RetransmitMult * log(N+1)).
	NumNodes func() int

	RetransmitMult int

	mu sync.Mutex
	q  broadcastHeap
}

type broadcastItem struct {
	b          Broadcast
	transmits  int
	invalidate string // empty means "never invalidated by key"
	index      int
}

type broadcastHeap []*broadcastItem

func (h broadcastHeap) Len() int { return len(h) }
func (h broadcastHeap) Less(i, j int) bool {
	return h[i].transmits < h[j].transmits
}
func (h broadcastHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *broadcastHeap) Push(x interface{}) {
	item := x.(*broadcastItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *broadcastHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// QueueBroadcast inserts b, dropping any previously queued broadcast that
// b.Invalidates.
func (q *TransmitLimitedQueue) QueueBroadcast(b Broadcast) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.q {
		if b.Invalidates(item.b) {
			item.b.Finished()
			q.remove(item)
		}
	}

	heap.Push(&q.q, &broadcastItem{b: b})
}

func (q *TransmitLimitedQueue) remove(item *broadcastItem) {
	heap.Remove(&q.q, item.index)
}

// NumQueued returns the current number of live broadcasts.
func (q *TransmitLimitedQueue) NumQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// Prune drops broadcasts until at most maxRetain remain, discarding the
// entries closest to their retransmit limit first.
func (q *TransmitLimitedQueue) Prune(maxRetain int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.q) > maxRetain {
		maxIdx := 0
		for i, item := range q.q {
			if item.transmits > q.q[maxIdx].transmits {
				maxIdx = i
			}
		}
		item := q.q[maxIdx]
		item.b.Finished()
		q.remove(item)
	}
}

// retransmitLimit computes ceil(RetransmitMult * log(N+1)), with a floor
// of 1 so a singleton/small cluster still gets at least one retransmit.
func retransmitLimit(mult, n int) int {
	limit := int(math.Ceil(float64(mult) * math.Log10(float64(n+1))))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// GetBroadcasts returns the lowest-retransmit-count messages that fit
// within limit bytes (after reserving overhead per message), incrementing
// their transmit counters and dropping any that have reached the
// retransmit limit for the current cluster size.
func (q *TransmitLimitedQueue) GetBroadcasts(overhead, limit int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.q) == 0 {
		return nil
	}

	n := 0
	if q.NumNodes != nil {
		n = q.NumNodes()
	}
	transmitLimit := retransmitLimit(q.RetransmitMult, n)

	var out [][]byte
	var keep []*broadcastItem

	// Pop in ascending-transmit order, greedily filling the byte budget,
	// then rebuild the heap from anything not selected/expired.
	items := make([]*broadcastItem, len(q.q))
	copy(items, q.q)
	view := &itemsByTransmits{items}
	heap.Init(view)

	bytesUsed := 0
	for view.Len() > 0 {
		item := heap.Pop(view).(*broadcastItem)
		msgLen := len(item.b.Message()) + overhead
		if bytesUsed+msgLen > limit {
			keep = append(keep, item)
			continue
		}

		bytesUsed += msgLen
		out = append(out, item.b.Message())
		item.transmits++

		if item.transmits >= transmitLimit {
			item.b.Finished()
			continue
		}
		keep = append(keep, item)
	}

	newHeap := make(broadcastHeap, 0, len(keep))
	for i, item := range keep {
		item.index = i
		newHeap = append(newHeap, item)
	}
	heap.Init(&newHeap)
	q.q = newHeap

	return out
}

// itemsByTransmits is a throwaway heap view used purely to walk `items` in
// ascending transmit-count order without disturbing q.q's real indices.
type itemsByTransmits struct {
	items []*broadcastItem
}

func (h itemsByTransmits) Len() int            { return len(h.items) }
func (h itemsByTransmits) Less(i, j int) bool  { return h.items[i].transmits < h.items[j].transmits }
func (h itemsByTransmits) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *itemsByTransmits) Push(x interface{}) { h.items = append(h.items, x.(*broadcastItem)) }
func (h *itemsByTransmits) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}
