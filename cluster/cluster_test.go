package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/gossipd/memberlist"
	"github.com/hashicorp/gossipd/testutil"
)

func testClusterConfig(t *testing.T) *Config {
	ip, returnFn := testutil.TakeIP()
	t.Cleanup(returnFn)

	conf := DefaultConfig()
	conf.NodeName = fmt.Sprintf("node-%s", ip.String())
	conf.EventCh = make(chan Event, 64)

	ml := memberlist.DefaultLANConfig()
	ml.BindAddr = ip.String()
	ml.BindPort = 0
	ml.GossipInterval = 5 * time.Millisecond
	ml.ProbeInterval = 30 * time.Millisecond
	ml.ProbeTimeout = 15 * time.Millisecond
	ml.TCPTimeout = 50 * time.Millisecond
	ml.SuspicionMult = 1
	conf.MemberlistConfig = ml

	return conf
}

func twoNodeClusters(t *testing.T) (a, b *Cluster) {
	ca := testClusterConfig(t)
	a, err := Create(ca)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { a.Shutdown() })

	cb := testClusterConfig(t)
	b, err = Create(cb)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	t.Cleanup(func() { b.Shutdown() })

	addr := fmt.Sprintf("%s:%d", ca.MemberlistConfig.BindAddr, a.memberlist.LocalNode().Port)
	if n, err := b.Join([]string{addr}, false); err != nil || n != 1 {
		t.Fatalf("expected to join 1 node, got %d err=%v", n, err)
	}
	return a, b
}

func waitForCluster(t *testing.T, timeout time.Duration, cond func() bool) {
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

// TestCluster_JoinTwoNodes starts two fresh nodes, joins one to the
// other, and expects them to converge on a shared, fully-Alive view.
func TestCluster_JoinTwoNodes(t *testing.T) {
	a, b := twoNodeClusters(t)

	waitForCluster(t, 3*time.Second, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	})

	for _, m := range a.Members() {
		if m.Status != StatusAlive {
			t.Fatalf("expected %s to be alive, got %v", m.Name, m.Status)
		}
	}
}

func TestCluster_UserEventDelivered(t *testing.T) {
	a, b := twoNodeClusters(t)
	waitForCluster(t, 3*time.Second, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	})

	if err := a.UserEvent("deploy", []byte("v1"), false); err != nil {
		t.Fatalf("err: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-b.config.EventCh:
			if ue, ok := e.(UserEvent); ok && ue.Name == "deploy" {
				return
			}
		case <-deadline:
			t.Fatalf("expected node b to observe the user event within the deadline")
		}
	}
}

func TestCluster_QueryRoundTrip(t *testing.T) {
	a, b := twoNodeClusters(t)
	waitForCluster(t, 3*time.Second, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	})

	go func() {
		deadline := time.After(3 * time.Second)
		for {
			select {
			case e := <-b.config.EventCh:
				if q, ok := e.(*Query); ok && q.Name() == "ping-test" {
					q.Respond([]byte("pong"))
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	resp, err := a.Query("ping-test", nil, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case r := <-resp.ResponseCh():
		if string(r.Payload) != "pong" {
			t.Fatalf("expected a 'pong' reply, got %q", r.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a query response within the deadline")
	}
}

func TestCluster_LeaveIsIdempotentAndUpdatesState(t *testing.T) {
	a, b := twoNodeClusters(t)
	waitForCluster(t, 3*time.Second, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	})

	if err := b.Leave(); err != nil {
		t.Fatalf("err: %v", err)
	}
	if b.State() != StateLeft {
		t.Fatalf("expected state Left after Leave, got %v", b.State())
	}
	// A second Leave on an already-Left cluster must not panic or hang.
	if err := b.Leave(); err != nil {
		t.Fatalf("expected a repeated Leave to be a harmless no-op, got: %v", err)
	}
}

func TestCluster_SetTagsUpdatesLocalMember(t *testing.T) {
	a, b := twoNodeClusters(t)
	waitForCluster(t, 3*time.Second, func() bool {
		return a.NumMembers() == 2 && b.NumMembers() == 2
	})

	if err := a.SetTags(map[string]string{"role": "web"}); err != nil {
		t.Fatalf("err: %v", err)
	}

	waitForCluster(t, 3*time.Second, func() bool {
		for _, m := range b.Members() {
			if m.Name == a.config.NodeName && m.Tags["role"] == "web" {
				return true
			}
		}
		return false
	})
}
