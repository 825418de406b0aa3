package memberlist

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/gossipd/testutil"
)

func testConfig(t *testing.T) *Config {
	ip, returnFn := testutil.TakeIP()
	t.Cleanup(returnFn)

	conf := DefaultLANConfig()
	conf.BindAddr = ip.String()
	conf.BindPort = 0
	conf.Name = fmt.Sprintf("node-%s", ip.String())
	conf.GossipInterval = 5 * time.Millisecond
	conf.ProbeInterval = 30 * time.Millisecond
	conf.ProbeTimeout = 15 * time.Millisecond
	conf.TCPTimeout = 50 * time.Millisecond
	conf.SuspicionMult = 1
	return conf
}

func twoNodeCluster(t *testing.T) (a, b *Memberlist) {
	ca := testConfig(t)
	ca.BindPort = 7946
	a, err := Create(ca)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })

	cb := testConfig(t)
	cb.BindPort = 7946
	b, err = Create(cb)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { b.Shutdown() })

	addr := fmt.Sprintf("%s:%d", ca.BindAddr, ca.BindPort)
	if n, err := b.Join([]string{addr}); err != nil || n != 1 {
		t.Fatalf("expected to join 1 node, got %d err=%v", n, err)
	}
	return a, b
}

func TestMemberlist_JoinTwoNodes(t *testing.T) {
	a, b := twoNodeCluster(t)

	waitFor(t, 2*time.Second, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	})

	for _, n := range a.Members() {
		if n.State != StateAlive {
			t.Fatalf("expected %s to be alive, got %v", n.Name, n.State)
		}
	}
}

func TestMemberlist_Leave(t *testing.T) {
	a, b := twoNodeCluster(t)
	waitFor(t, 2*time.Second, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	})

	if err := b.Leave(time.Second); err != nil {
		t.Fatalf("err: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, n := range a.Members() {
			if n.Name == b.config.Name {
				return n.State == StateLeft || n.State == StateDead
			}
		}
		return false
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
