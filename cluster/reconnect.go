package cluster

import (
	"math/rand"
	"net"
	"strconv"
	"time"
)

// handleReconnect attempts to reconnect to recently failed nodes on
// ReconnectInterval, until ReconnectTimeout expires and the reaper forgets
// them entirely.
func (c *Cluster) handleReconnect() {
	for {
		select {
		case <-time.After(c.config.ReconnectInterval):
			c.attemptReconnect()
		case <-c.shutdownCh:
			return
		}
	}
}

// attemptReconnect picks one recently failed member at random and tries to
// rejoin through it, throttled so the cluster expects to try each failed
// member about once per interval regardless of how many have failed.
func (c *Cluster) attemptReconnect() {
	c.memberLock.RLock()

	n := len(c.failedMembers)
	if n == 0 {
		c.memberLock.RUnlock()
		return
	}

	numFailed := float32(n)
	numAlive := float32(len(c.members) - len(c.failedMembers) - len(c.leftMembers))
	if numAlive == 0 {
		numAlive = 1
	}
	prob := numFailed / numAlive
	if rand.Float32() > prob {
		c.memberLock.RUnlock()
		return
	}

	idx := int(rand.Uint32() % uint32(n))
	mem := c.failedMembers[idx]
	c.memberLock.RUnlock()

	c.logger.Printf("[INFO] cluster: attempting reconnect to %v %v", mem.Name, net.IP(mem.Addr))
	addr := net.JoinHostPort(mem.Addr.String(), strconv.Itoa(int(mem.Port)))
	if _, err := c.memberlist.Join([]string{addr}); err != nil {
		c.logger.Printf("[DEBUG] cluster: reconnect to %v failed: %v", mem.Name, err)
	}
}
