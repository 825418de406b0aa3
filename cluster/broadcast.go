package cluster

import "github.com/hashicorp/gossipd/memberlist"

// broadcastMessage implements memberlist.Broadcast for every intent/event/
// query frame this package queues for gossip. key, when non-empty, is the
// logical subject (a member name or an event fingerprint); a newer
// broadcastMessage with the same key invalidates an older one still
// sitting in the queue.
type broadcastMessage struct {
	key    string
	msg    []byte
	notify chan<- struct{}
}

func (b *broadcastMessage) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*broadcastMessage)
	if !ok {
		return false
	}
	return b.key != "" && b.key == o.key
}

func (b *broadcastMessage) Message() []byte {
	return b.msg
}

func (b *broadcastMessage) Finished() {
	if b.notify != nil {
		close(b.notify)
	}
}
