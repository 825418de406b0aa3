package cluster

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/gossipd/memberlist"
)

// KeyManager drives cluster-wide keyring changes by issuing internal
// queries and aggregating each node's reply.
type KeyManager struct {
	cluster *Cluster
}

// ModifyKeyResponse relays the per-node results of a keyring modification.
type ModifyKeyResponse struct {
	Messages   map[string]string
	TotalNodes int
}

// ListKeysResponse relays every key installed across the cluster, and how
// many nodes have each one.
type ListKeysResponse struct {
	Messages   map[string]string
	TotalNodes int
	Keys       map[string]int
}

// InstallKey adds key (base64-encoded) to every reachable node's keyring,
// without making it primary.
func (k *KeyManager) InstallKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(installKeyQuery, key)
}

// UseKey changes every reachable node's primary encryption key to key
// (base64-encoded), which must already be installed on each of them.
func (k *KeyManager) UseKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(useKeyQuery, key)
}

// RemoveKey removes key (base64-encoded) from every reachable node's
// keyring. A node's current primary key cannot be removed.
func (k *KeyManager) RemoveKey(key string) (*ModifyKeyResponse, error) {
	return k.modify(removeKeyQuery, key)
}

func (k *KeyManager) modify(query, key string) (*ModifyKeyResponse, error) {
	resp := &ModifyKeyResponse{Messages: make(map[string]string)}

	rawKey, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("cluster: invalid key: %v", err)
	}

	queryResp, err := k.cluster.Query(internalQueryName(query), rawKey, &QueryParam{})
	if err != nil {
		return nil, err
	}

	totalErrors := 0
	for r := range queryResp.ResponseCh() {
		resp.TotalNodes++

		var nodeResp nodeKeyResponse
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType {
			resp.Messages[r.From] = fmt.Sprintf("invalid %s response type: %v", query, r.Payload)
			totalErrors++
			continue
		}
		if err := decodeMessage(r.Payload[1:], &nodeResp); err != nil {
			resp.Messages[r.From] = fmt.Sprintf("failed to decode %s response: %v", query, err)
			totalErrors++
			continue
		}
		if !nodeResp.Result {
			resp.Messages[r.From] = nodeResp.Message
			totalErrors++
		}
	}

	totalMembers := k.cluster.memberlist.NumMembers()
	if totalErrors != 0 {
		return resp, fmt.Errorf("%d/%d nodes reported failure", totalErrors, totalMembers)
	}
	if resp.TotalNodes != totalMembers {
		return resp, fmt.Errorf("%d/%d nodes reported success", resp.TotalNodes, totalMembers)
	}
	return resp, nil
}

// ListKeys collects every node's installed keyring and aggregates how many
// nodes have each key.
func (k *KeyManager) ListKeys() (*ListKeysResponse, error) {
	resp := &ListKeysResponse{
		Messages: make(map[string]string),
		Keys:     make(map[string]int),
	}

	queryResp, err := k.cluster.Query(internalQueryName(listKeysQuery), nil, &QueryParam{})
	if err != nil {
		return nil, err
	}

	totalErrors := 0
	for r := range queryResp.ResponseCh() {
		resp.TotalNodes++

		var nodeResp nodeKeyResponse
		if len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType {
			resp.Messages[r.From] = fmt.Sprintf("invalid list-keys response type: %v", r.Payload)
			totalErrors++
			continue
		}
		if err := decodeMessage(r.Payload[1:], &nodeResp); err != nil {
			resp.Messages[r.From] = fmt.Sprintf("failed to decode list-keys response: %v", err)
			totalErrors++
			continue
		}
		if !nodeResp.Result {
			resp.Messages[r.From] = nodeResp.Message
			totalErrors++
			continue
		}
		for _, key := range nodeResp.Keys {
			resp.Keys[key]++
		}
	}

	totalMembers := k.cluster.memberlist.NumMembers()
	if totalErrors != 0 {
		return resp, fmt.Errorf("%d/%d nodes reported failure", totalErrors, totalMembers)
	}
	if resp.TotalNodes != totalMembers {
		return resp, fmt.Errorf("%d/%d nodes reported success", resp.TotalNodes, totalMembers)
	}
	return resp, nil
}

// loadKeyringFile reads a keyring file previously written by
// writeKeyringFile and builds a Keyring with the first entry as primary.
func loadKeyringFile(path string) (*memberlist.Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: failed to read keyring file: %v", err)
	}

	var encoded []string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("cluster: failed to decode keyring file: %v", err)
	}
	if len(encoded) == 0 {
		return nil, fmt.Errorf("cluster: keyring file %q contains no keys", path)
	}

	keys := make([][]byte, len(encoded))
	for i, k := range encoded {
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, fmt.Errorf("cluster: invalid key %d in keyring file: %v", i, err)
		}
		keys[i] = key
	}
	return memberlist.NewKeyring(keys, keys[0])
}

// writeKeyringFile persists keys (primary first) to path as a
// base64-encoded JSON array, matching the format KeyringFile is expected
// to contain at startup.
func writeKeyringFile(path string, keys [][]byte) error {
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = base64.StdEncoding.EncodeToString(key)
	}

	buf, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return fmt.Errorf("cluster: failed to encode keyring: %v", err)
	}
	return os.WriteFile(path, buf, 0600)
}
