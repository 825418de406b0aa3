package cluster

import (
	"time"

	"github.com/hashicorp/gossipd/memberlist"
)

// Config is the configuration for creating a Cluster. NodeName and
// EventCh are the only fields most callers need to set; everything else
// has a sane default from DefaultConfig.
type Config struct {
	// NodeName is this node's unique identifier, passed straight through
	// to MemberlistConfig.Name.
	NodeName string

	// Tags are opaque key/value metadata gossiped alongside this node,
	// queryable via FilterTags and visible to peers as Member.Tags.
	Tags map[string]string

	// ProtocolVersion is the protocol this node will *speak*; see
	// ProtocolVersionMin/Max in event.go for the supported range.
	ProtocolVersion uint8

	// EventCh, if non-nil, receives every MemberEvent/UserEvent/Query as
	// it is delivered locally. The channel must be serviced promptly: a
	// full channel blocks the cluster's event-processing goroutine.
	EventCh chan Event

	// Merge, if set, is consulted whenever a push/pull exchange would
	// bring in members this node has not seen via gossip, letting the
	// caller veto or log the merge.
	Merge MergeDelegate

	// MemberlistConfig configures the underlying gossip engine. Defaults
	// to memberlist.DefaultLANConfig(); its Delegate/Events/Merge/Ping/
	// Conflict fields are overwritten with this Cluster's own adapters
	// during Create.
	MemberlistConfig *memberlist.Config

	// BroadcastTimeout bounds how long Leave and RemoveFailedNode wait for
	// their leave intent to finish transmitting, and is the timeout handed
	// to the memberlist layer's own Leave.
	BroadcastTimeout time.Duration

	// LeavePropagateDelay is an extra pause after broadcasting a leave
	// intent, giving gossip a head start before the memberlist layer
	// itself shuts down.
	LeavePropagateDelay time.Duration

	// ReapInterval is how often failed members older than ReconnectTimeout
	// and left members older than TombstoneTimeout are forgotten entirely.
	ReapInterval time.Duration

	// ReconnectInterval/ReconnectTimeout control the attempt-to-rejoin
	// loop run against recently failed (not left) members.
	ReconnectInterval time.Duration
	ReconnectTimeout  time.Duration

	// TombstoneTimeout is how long a Left member is remembered (to
	// reject a stale rejoin) before being fully forgotten.
	TombstoneTimeout time.Duration

	// QueueCheckInterval/QueueDepthWarning/MaxQueueDepth watch the
	// outbound broadcast queue for runaway growth under churn.
	QueueCheckInterval time.Duration
	QueueDepthWarning  int
	MaxQueueDepth      int

	// CoalescePeriod/QuiescentPeriod govern member-event coalescing: a
	// batch flushes after CoalescePeriod even under continuous churn, or
	// earlier once QuiescentPeriod passes with no new events.
	CoalescePeriod   time.Duration
	QuiescentPeriod  time.Duration

	// UserCoalescePeriod/UserQuiescentPeriod are the same knobs applied
	// to coalescable user events (those with Coalesce set).
	UserCoalescePeriod  time.Duration
	UserQuiescentPeriod time.Duration

	// UserEventSizeLimit bounds the payload of a single UserEvent.
	UserEventSizeLimit int

	// EventBuffer/QueryBuffer size the ring buffers used to deduplicate
	// replayed user events and queries by Lamport time. Too small and a
	// slow node re-delivers stale events after a partition heals; too
	// large wastes memory. Defaults to 512 if left at zero.
	EventBuffer int
	QueryBuffer int

	// QueryTimeoutMult scales a Query's default timeout relative to the
	// cluster's estimated gossip convergence time; QuerySizeLimit and
	// QueryResponseSizeLimit bound request/response payloads.
	QueryTimeoutMult       int
	QuerySizeLimit         int
	QueryResponseSizeLimit int

	// EnableNameConflictResolution, when true, has this node react to an
	// Alive for its own name from another address by querying the cluster
	// for the address each member holds for that name, and shutting down
	// if most responders name an address other than its own.
	EnableNameConflictResolution bool

	// DisableCoordinates turns off the Vivaldi coordinate client.
	DisableCoordinates bool

	// RejoinAfterLeave, when true, skips the "don't auto-rejoin" marker a
	// graceful Leave would otherwise write to the snapshot.
	RejoinAfterLeave bool

	// SnapshotPath, if non-empty, enables the append-only rejoin log.
	SnapshotPath string

	// SnapshotBytesPerNode bounds the snapshot file's allowed growth
	// before it is compacted: the limit is this value times a fixed
	// cluster size of 8, set once at Create. It does not follow the
	// current member count.
	SnapshotBytesPerNode int

	// KeyringFile, if non-empty, persists keyring changes made through
	// the internal key-management queries back to this path, and is read
	// at startup when MemberlistConfig.Keyring is not set directly.
	KeyringFile string

	// EncryptionKey seeds a single-key keyring when neither
	// MemberlistConfig.Keyring nor an existing KeyringFile supplies one.
	// Must be 16, 24 or 32 bytes.
	EncryptionKey []byte

	// MsgpackUseNewTimeFormat switches outbound intent/event/query
	// encoding to the RFC-standard msgpack time extension. Propagated to
	// the underlying gossip engine's config during Create; leave false
	// until every node in the cluster understands the new format.
	MsgpackUseNewTimeFormat bool
}

// DefaultConfig returns a Config with sane defaults for a LAN
// environment, wired to memberlist.DefaultLANConfig().
func DefaultConfig() *Config {
	return &Config{
		ProtocolVersion:              ProtocolVersion2Compatible,
		MemberlistConfig:             memberlist.DefaultLANConfig(),
		BroadcastTimeout:             5 * time.Second,
		LeavePropagateDelay:          1 * time.Second,
		ReapInterval:                 15 * time.Second,
		ReconnectInterval:            30 * time.Second,
		ReconnectTimeout:             24 * time.Hour,
		TombstoneTimeout:             24 * time.Hour,
		QueueCheckInterval:           30 * time.Second,
		QueueDepthWarning:            128,
		MaxQueueDepth:                4096,
		CoalescePeriod:               3 * time.Second,
		QuiescentPeriod:              1 * time.Second,
		UserCoalescePeriod:           3 * time.Second,
		UserQuiescentPeriod:          1 * time.Second,
		UserEventSizeLimit:           512,
		EventBuffer:                  512,
		QueryBuffer:                  512,
		QueryTimeoutMult:             16,
		QuerySizeLimit:               1024,
		QueryResponseSizeLimit:       1024,
		SnapshotBytesPerNode:         128 * 1024,
		EnableNameConflictResolution: true,
	}
}
