package cluster

import (
	"fmt"
	"net"
	"regexp"

	"github.com/hashicorp/gossipd/memberlist"
)

// metaMaxSize mirrors memberlist's own internal NodeMeta limit; kept here
// so validateMemberInfo can bound tags without exporting memberlist's
// private constant.
const metaMaxSize = 512

var invalidNameRe = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

// MergeDelegate lets a caller veto or observe a push/pull merge bringing
// in members this node has not seen via gossip.
type MergeDelegate interface {
	NotifyMerge([]*Member) error
}

// mergeDelegate adapts memberlist's MergeDelegate interface, converting
// memberlist.Node values to this package's own Member before handing them
// to the caller-supplied MergeDelegate (if any).
type mergeDelegate struct {
	cluster *Cluster
}

func (m *mergeDelegate) NotifyMerge(nodes []*memberlist.Node) error {
	if m.cluster.config.Merge == nil {
		return nil
	}

	members := make([]*Member, len(nodes))
	for i, n := range nodes {
		member, err := m.nodeToMember(n)
		if err != nil {
			return err
		}
		members[i] = member
	}
	return m.cluster.config.Merge.NotifyMerge(members)
}

func (m *mergeDelegate) nodeToMember(n *memberlist.Node) (*Member, error) {
	status := StatusNone
	if n.State == memberlist.StateLeft {
		status = StatusLeft
	}
	if err := validateMemberInfo(n); err != nil {
		return nil, err
	}
	return &Member{
		Name:        n.Name,
		Addr:        net.IP(n.Addr),
		Port:        n.Port,
		Tags:        m.cluster.decodeTags(n.Meta),
		Status:      status,
		ProtocolMin: n.PMin,
		ProtocolMax: n.PMax,
		ProtocolCur: n.PCur,
		DelegateMin: n.DMin,
		DelegateMax: n.DMax,
		DelegateCur: n.DCur,
	}, nil
}

// validateMemberInfo rejects a remote node's state before it's folded into
// our own membership view, guarding against a buggy or malicious peer.
func validateMemberInfo(n *memberlist.Node) error {
	if len(n.Name) < 1 || len(n.Name) > 128 {
		return fmt.Errorf("cluster: node name %q has invalid length; must be 1-128 characters", n.Name)
	}
	if invalidNameRe.MatchString(n.Name) {
		return fmt.Errorf("cluster: node name %q contains invalid characters; only alphanumerics, "+
			"dashes and dots are allowed", n.Name)
	}
	if n.Addr.To4() == nil && n.Addr.To16() == nil {
		return fmt.Errorf("cluster: node %q has an invalid address %v", n.Name, n.Addr)
	}
	if len(n.Meta) > metaMaxSize {
		return fmt.Errorf("cluster: node %q tags encode to %d bytes, exceeding the %d byte limit",
			n.Name, len(n.Meta), metaMaxSize)
	}
	return nil
}
