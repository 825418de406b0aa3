package memberlist

import (
	"math/rand"
	"time"
)

// kRandomNodes returns up to k distinct live nodes from nodes, skipping any
// whose name appears in excludes. Order is randomized.
func kRandomNodes(k int, excludes []string, nodes []*nodeState) []*nodeState {
	n := len(nodes)
	kk := k
	if kk > n {
		kk = n
	}

	excluded := make(map[string]struct{}, len(excludes))
	for _, e := range excludes {
		excluded[e] = struct{}{}
	}

	var out []*nodeState
	for i := 0; i < 3*n && len(out) < kk; i++ {
		idx := rand.Intn(n)
		node := nodes[idx]
		if _, ok := excluded[node.Name]; ok {
			continue
		}
		if node.DeadOrLeft() {
			continue
		}
		duplicate := false
		for _, o := range out {
			if o.Name == node.Name {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, node)
		}
	}
	return out
}

// shuffleNodes randomizes the order of nodes in place (Fisher-Yates).
func shuffleNodes(nodes []*nodeState) {
	for i := len(nodes) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
}

// moveDeadNodes partitions nodes in place so that every alive/suspect
// member comes before every dead/left member whose GossipToTheDeadTime has
// elapsed, and returns the index at which the dead tail begins.
func moveDeadNodes(nodes []*nodeState, gossipToTheDeadTime time.Duration) int {
	numDead := 0
	n := len(nodes)
	for i := 0; i < n-numDead; i++ {
		if !nodes[i].DeadOrLeft() {
			continue
		}
		if time.Since(nodes[i].StateChange) <= gossipToTheDeadTime {
			continue
		}
		nodes[i], nodes[n-numDead-1] = nodes[n-numDead-1], nodes[i]
		numDead++
		i--
	}
	return n - numDead
}
