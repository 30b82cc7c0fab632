package graphcache

import (
	"encoding/json"
	"strings"
)

// Key prefixes. Single bytes keep the key space compact.
const (
	prefixNode          = byte(0x01) // node id -> Node
	prefixEdge          = byte(0x02) // edge id -> Edge
	prefixLabelIndex    = byte(0x03) // label 0x00 node id -> {}
	prefixOutgoingIndex = byte(0x04) // node id 0x00 edge id -> {}
	prefixIncomingIndex = byte(0x05) // node id 0x00 edge id -> {}
)

func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, id...)
}

func edgeKey(id string) []byte {
	return append([]byte{prefixEdge}, id...)
}

// labelIndexKey: prefix + lowercased label + 0x00 + node id.
func labelIndexKey(label, nodeID string) []byte {
	return append(labelIndexPrefix(label), nodeID...)
}

func labelIndexPrefix(label string) []byte {
	l := strings.ToLower(label)
	key := make([]byte, 0, len(l)+2)
	key = append(key, prefixLabelIndex)
	key = append(key, l...)
	return append(key, 0x00)
}

func outgoingIndexKey(nodeID, edgeID string) []byte {
	return append(adjacencyPrefix(prefixOutgoingIndex, nodeID), edgeID...)
}

func incomingIndexKey(nodeID, edgeID string) []byte {
	return append(adjacencyPrefix(prefixIncomingIndex, nodeID), edgeID...)
}

func adjacencyPrefix(prefix byte, nodeID string) []byte {
	key := make([]byte, 0, len(nodeID)+2)
	key = append(key, prefix)
	key = append(key, nodeID...)
	return append(key, 0x00)
}

// idAfterSeparator returns what follows the first 0x00 in key.
func idAfterSeparator(key []byte) string {
	for i := 1; i < len(key); i++ {
		if key[i] == 0x00 {
			return string(key[i+1:])
		}
	}
	return ""
}

func encodeNode(n *Node) ([]byte, error) { return json.Marshal(n) }

func decodeNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func encodeEdge(e *Edge) ([]byte, error) { return json.Marshal(e) }

func decodeEdge(data []byte) (*Edge, error) {
	var e Edge
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
