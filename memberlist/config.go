package memberlist

import (
	"io"
	"time"
)

// Config is the configuration for creating a Memberlist instance. Every
// field has a sane default produced by DefaultLANConfig; callers only need
// to override the values relevant to their deployment.
type Config struct {
	// Name is this node's unique identifier in the cluster. Two nodes with
	// the same Name will be treated as one by peers.
	Name string

	// BindAddr/BindPort is the address the UDP and TCP listeners bind to.
	BindAddr string
	BindPort int

	// AdvertiseAddr/AdvertisePort is what this node tells peers to use when
	// contacting it, useful behind NAT. Defaults to the bind address.
	AdvertiseAddr string
	AdvertisePort int

	// ProtocolVersion is the memberlist wire protocol version spoken by
	// this node. It is independent of the DelegateProtocolVersion a
	// higher layer (cluster) negotiates on top.
	ProtocolVersion uint8

	// DelegateProtocolVersion/Min/Max let a delegate (cluster) piggyback
	// its own protocol negotiation on gossiped node metadata.
	DelegateProtocolVersion uint8
	DelegateProtocolMin     uint8
	DelegateProtocolMax     uint8

	// IndirectChecks is the number of peers asked to indirectly probe a
	// node that failed to answer a direct probe.
	IndirectChecks int

	// RetransmitMult is the multiplier used to compute the maximum number
	// of retransmissions for a broadcast message: ceil(RetransmitMult *
	// log(N+1)).
	RetransmitMult int

	// SuspicionMult and SuspicionMaxTimeoutMult scale the suspicion timer.
	// See suspicion.go for the exact formula.
	SuspicionMult           int
	SuspicionMaxTimeoutMult int

	// ProbeInterval is the period between SWIM probe rounds.
	ProbeInterval time.Duration

	// ProbeTimeout is how long to wait for a direct ack before falling
	// back to indirect probes and a TCP fallback ping.
	ProbeTimeout time.Duration

	// GossipInterval/GossipNodes control piggyback gossip: every
	// GossipInterval we send up to GossipNodes packets carrying queued
	// broadcasts to random alive peers.
	GossipInterval time.Duration
	GossipNodes    int

	// PushPullInterval is the period between full state anti-entropy
	// exchanges over TCP. Ignored (no periodic push/pull) if zero.
	PushPullInterval time.Duration

	// TCPTimeout bounds TCP dial/read/write for push/pull and the TCP
	// probe fallback.
	TCPTimeout time.Duration

	// DisableTcpPings disables the TCP fallback on a failed UDP probe.
	DisableTcpPings bool

	// AwarenessMaxMultiplier bounds the health-score scaling factor that
	// stretches probe intervals and timeouts under sustained packet loss.
	AwarenessMaxMultiplier int

	// GossipToTheDeadTime is how long a node continues to be gossiped
	// about after being marked Dead, before it's dropped from the local
	// node list entirely (distinct from the orchestrator's own tombstone
	// timers, which operate on a higher-level Left/Failed notion).
	GossipToTheDeadTime time.Duration

	// Keyring, if non-nil, enables AES-GCM encryption of every UDP/TCP
	// frame using the primary key. Peers must share at least one key.
	Keyring *Keyring

	// Label is an optional prefix stamped on every outbound packet/stream
	// and required (and stripped) from every inbound one, allowing
	// multiple logical clusters to share one set of ports.
	Label string

	// CIDRsAllowed, if non-empty, restricts which source addresses are
	// accepted as the subject of an Alive message.
	CIDRsAllowed []string

	// MsgpackUseNewTimeFormat switches outbound message encoding to the
	// RFC-standard msgpack time extension rather than the legacy format.
	// Leave false until every node in the cluster understands the new
	// format; decoding accepts both regardless.
	MsgpackUseNewTimeFormat bool

	// Delegate/Events/Merge/Ping/Conflict are the pluggable callbacks the
	// higher layer (cluster) uses to ride on top of the gossip engine.
	Delegate         Delegate
	Events           EventDelegate
	Merge            MergeDelegate
	Ping             PingDelegate
	Conflict         ConflictDelegate

	LogOutput io.Writer
}

// DefaultLANConfig returns sane defaults for a local-area-network
// deployment: low latency, low loss, and a willingness to probe often.
func DefaultLANConfig() *Config {
	return &Config{
		BindAddr:                "0.0.0.0",
		BindPort:                7946,
		ProtocolVersion:         2,
		IndirectChecks:          3,
		RetransmitMult:          4,
		SuspicionMult:           4,
		SuspicionMaxTimeoutMult: 6,
		ProbeInterval:           1 * time.Second,
		ProbeTimeout:            500 * time.Millisecond,
		GossipInterval:          200 * time.Millisecond,
		GossipNodes:             3,
		PushPullInterval:        30 * time.Second,
		TCPTimeout:              10 * time.Second,
		AwarenessMaxMultiplier:  8,
		GossipToTheDeadTime:     30 * time.Second,
	}
}

// DefaultWANConfig trades probe frequency for tolerance of longer, less
// predictable round trips between nodes spread across the internet.
func DefaultWANConfig() *Config {
	conf := DefaultLANConfig()
	conf.TCPTimeout = 30 * time.Second
	conf.SuspicionMult = 6
	conf.PushPullInterval = 60 * time.Second
	conf.ProbeTimeout = 3 * time.Second
	conf.ProbeInterval = 5 * time.Second
	conf.GossipNodes = 4
	conf.GossipInterval = 500 * time.Millisecond
	return conf
}
