package cluster

import (
	"net"
	"strings"
	"testing"

	"github.com/hashicorp/gossipd/memberlist"
)

func TestValidateMemberInfo_Valid(t *testing.T) {
	n := &memberlist.Node{Name: "node-1", Addr: net.IPv4(127, 0, 0, 1)}
	if err := validateMemberInfo(n); err != nil {
		t.Fatalf("expected a valid node to pass, got: %v", err)
	}
}

func TestValidateMemberInfo_RejectsEmptyName(t *testing.T) {
	n := &memberlist.Node{Name: "", Addr: net.IPv4(127, 0, 0, 1)}
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an empty name to be rejected")
	}
}

func TestValidateMemberInfo_RejectsOverlongName(t *testing.T) {
	n := &memberlist.Node{Name: strings.Repeat("a", 129), Addr: net.IPv4(127, 0, 0, 1)}
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected a 129-byte name to be rejected")
	}
}

func TestValidateMemberInfo_RejectsInvalidCharacters(t *testing.T) {
	n := &memberlist.Node{Name: "node_1!", Addr: net.IPv4(127, 0, 0, 1)}
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected an underscore/bang in the name to be rejected")
	}
}

func TestValidateMemberInfo_RejectsInvalidAddr(t *testing.T) {
	n := &memberlist.Node{Name: "node-1", Addr: net.IP([]byte{1, 2, 3})}
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected a malformed address to be rejected")
	}
}

func TestValidateMemberInfo_RejectsOversizedMeta(t *testing.T) {
	n := &memberlist.Node{Name: "node-1", Addr: net.IPv4(127, 0, 0, 1), Meta: make([]byte, metaMaxSize+1)}
	if err := validateMemberInfo(n); err == nil {
		t.Fatalf("expected meta over %d bytes to be rejected", metaMaxSize)
	}
}
