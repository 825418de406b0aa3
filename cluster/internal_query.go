package cluster

import (
	"encoding/base64"
	"log"
	"strings"
)

const (
	// InternalQueryPrefix marks a query name as handled internally by
	// clusterQueries rather than surfaced to the caller's EventCh.
	InternalQueryPrefix = "_gossipd_"

	pingQuery       = "ping"
	conflictQuery   = "conflict"
	installKeyQuery = "install-key"
	useKeyQuery     = "use-key"
	removeKeyQuery  = "remove-key"
	listKeysQuery   = "list-keys"
)

func internalQueryName(name string) string {
	return InternalQueryPrefix + name
}

// nodeKeyResponse is the payload of a reply to any of the keyring queries.
type nodeKeyResponse struct {
	Result  bool
	Message string
	Keys    []string
}

// clusterQueries intercepts every internal (_gossipd_-prefixed) query
// arriving on the event stream, answering it locally rather than passing
// it through to the caller.
type clusterQueries struct {
	inCh       chan Event
	logger     *log.Logger
	outCh      chan<- Event
	cluster    *Cluster
	shutdownCh <-chan struct{}
}

// newClusterQueries returns the channel the Cluster itself should set as
// its EventCh; everything not claimed as an internal query is forwarded
// to outCh, which is whatever the caller originally asked for.
func newClusterQueries(c *Cluster, logger *log.Logger, outCh chan<- Event, shutdownCh <-chan struct{}) (chan Event, *clusterQueries, error) {
	inCh := make(chan Event, 1024)
	q := &clusterQueries{
		inCh:       inCh,
		logger:     logger,
		outCh:      outCh,
		cluster:    c,
		shutdownCh: shutdownCh,
	}
	go q.stream()
	return inCh, q, nil
}

func (q *clusterQueries) stream() {
	for {
		select {
		case e := <-q.inCh:
			if query, ok := e.(*Query); ok && strings.HasPrefix(query.Name(), InternalQueryPrefix) {
				go q.handleQuery(query)
			} else if q.outCh != nil {
				q.outCh <- e
			}
		case <-q.shutdownCh:
			return
		}
	}
}

func (q *clusterQueries) handleQuery(query *Query) {
	name := query.Name()[len(InternalQueryPrefix):]
	switch name {
	case pingQuery:
		// Nothing to do beyond the ack memberlist's ping delegate/query
		// layer already sent.
	case conflictQuery:
		q.handleConflict(query)
	case installKeyQuery:
		q.handleInstallKey(query)
	case useKeyQuery:
		q.handleUseKey(query)
	case removeKeyQuery:
		q.handleRemoveKey(query)
	case listKeysQuery:
		q.handleListKeys(query)
	default:
		q.logger.Printf("[WARN] cluster: unhandled internal query %q", name)
	}
}

// handleConflict answers a conflict-resolution query: the payload is the
// name under dispute, and the reply (if we know that member) is our own
// record for it, letting the asker compare addresses.
func (q *clusterQueries) handleConflict(query *Query) {
	node := string(query.Payload())
	if node == q.cluster.config.NodeName {
		return
	}
	q.logger.Printf("[DEBUG] cluster: got conflict resolution query for %q", node)

	var out *Member
	q.cluster.memberLock.RLock()
	if member, ok := q.cluster.members[node]; ok {
		out = &member.Member
	}
	q.cluster.memberLock.RUnlock()

	buf, err := encodeMessage(messageConflictResponseType, out, q.cluster.config.MsgpackUseNewTimeFormat)
	if err != nil {
		q.logger.Printf("[ERR] cluster: failed to encode conflict query response: %v", err)
		return
	}
	if err := query.Respond(buf); err != nil {
		q.logger.Printf("[ERR] cluster: failed to respond to conflict query: %v", err)
	}
}

func (q *clusterQueries) handleInstallKey(query *Query) {
	response := nodeKeyResponse{}
	keyring := q.cluster.config.MemberlistConfig.Keyring

	if !q.cluster.EncryptionEnabled() {
		response.Message = "no keyring to modify (encryption not enabled)"
		q.logger.Printf("[ERR] cluster: no keyring to modify (encryption not enabled)")
	} else if err := keyring.AddKey(query.Payload()); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to install key: %v", err)
	} else if err := q.cluster.WriteKeyringFile(); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to write keyring file: %v", err)
	} else {
		response.Result = true
	}

	q.respondKey(query, &response)
}

func (q *clusterQueries) handleUseKey(query *Query) {
	response := nodeKeyResponse{}
	keyring := q.cluster.config.MemberlistConfig.Keyring

	if !q.cluster.EncryptionEnabled() {
		response.Message = "no keyring to modify (encryption not enabled)"
		q.logger.Printf("[ERR] cluster: no keyring to modify (encryption not enabled)")
	} else if err := keyring.UseKey(query.Payload()); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to change primary key: %v", err)
	} else if err := q.cluster.WriteKeyringFile(); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to write keyring file: %v", err)
	} else {
		response.Result = true
	}

	q.respondKey(query, &response)
}

func (q *clusterQueries) handleRemoveKey(query *Query) {
	response := nodeKeyResponse{}
	keyring := q.cluster.config.MemberlistConfig.Keyring

	if !q.cluster.EncryptionEnabled() {
		response.Message = "no keyring to modify (encryption not enabled)"
		q.logger.Printf("[ERR] cluster: no keyring to modify (encryption not enabled)")
	} else if err := keyring.RemoveKey(query.Payload()); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to remove key: %v", err)
	} else if err := q.cluster.WriteKeyringFile(); err != nil {
		response.Message = err.Error()
		q.logger.Printf("[ERR] cluster: failed to write keyring file: %v", err)
	} else {
		response.Result = true
	}

	q.respondKey(query, &response)
}

func (q *clusterQueries) handleListKeys(query *Query) {
	response := nodeKeyResponse{}
	keyring := q.cluster.config.MemberlistConfig.Keyring

	if !q.cluster.EncryptionEnabled() {
		response.Message = "keyring is empty (encryption not enabled)"
		q.logger.Printf("[ERR] cluster: keyring is empty (encryption not enabled)")
	} else {
		for _, keyBytes := range keyring.GetKeys() {
			response.Keys = append(response.Keys, base64.StdEncoding.EncodeToString(keyBytes))
		}
		response.Result = true
	}

	q.respondKey(query, &response)
}

func (q *clusterQueries) respondKey(query *Query, response *nodeKeyResponse) {
	buf, err := encodeMessage(messageKeyResponseType, response, q.cluster.config.MsgpackUseNewTimeFormat)
	if err != nil {
		q.logger.Printf("[ERR] cluster: failed to encode key query response: %v", err)
		return
	}
	if err := query.Respond(buf); err != nil {
		q.logger.Printf("[ERR] cluster: failed to respond to key query: %v", err)
	}
}
