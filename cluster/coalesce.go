package cluster

import "time"

// coalescer decides which events it can absorb, accumulates them, and
// periodically flushes a reduced set downstream.
type coalescer interface {
	// Handle reports whether this coalescer owns e. If not, e is passed
	// through to the destination channel untouched.
	Handle(Event) bool

	// Coalesce folds e into the accumulated state.
	Coalesce(Event)

	// Flush emits the accumulated state to outCh and resets.
	Flush(outCh chan<- Event)
}

// coalescedEventCh returns an inbound channel that feeds c; c's output is
// forwarded to outCh no less often than every coalescePeriod, and sooner if
// quiescentPeriod passes with no new events.
func coalescedEventCh(outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) chan Event {
	inCh := make(chan Event, 1024)
	go coalesceLoop(inCh, outCh, shutdownCh, coalescePeriod, quiescentPeriod, c)
	return inCh
}

// coalesceLoop manages the high-level ingest/flush cycle: it flushes after
// coalescePeriod even under continuous churn, or sooner once quiescentPeriod
// passes with no new events.
func coalesceLoop(inCh <-chan Event, outCh chan<- Event, shutdownCh <-chan struct{},
	coalescePeriod, quiescentPeriod time.Duration, c coalescer) {
	var quantum, quiescent <-chan time.Time
	shutdown := false

INGEST:
	quantum = nil
	quiescent = nil

	for {
		select {
		case e := <-inCh:
			if !c.Handle(e) {
				outCh <- e
				continue
			}

			if quantum == nil {
				quantum = time.After(coalescePeriod)
			}
			quiescent = time.After(quiescentPeriod)
			c.Coalesce(e)

		case <-quantum:
			goto FLUSH
		case <-quiescent:
			goto FLUSH
		case <-shutdownCh:
			shutdown = true
			goto FLUSH
		}
	}

FLUSH:
	c.Flush(outCh)
	if !shutdown {
		goto INGEST
	}
}
