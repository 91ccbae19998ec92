package tracker

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"loom/internal/cas"
	"loom/internal/graph"
)

// Serialized container:
// [4 bytes: header length (big-endian)]
// [header JSON: stateHeader]
// [zstd-compressed canonical JSON of savedGraph]
//
// The payload checksum in the header is computed before compression so
// a truncated or corrupted blob is rejected before the graph is
// rebuilt.

const (
	stateVersion     = 1
	headerLengthSize = 4
	maxHeaderSize    = 1 * 1024 * 1024
)

type stateHeader struct {
	Version  int    `json:"version"`
	Checksum string `json:"checksum"`
}

type savedNode struct {
	Kind  NodeKind        `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
}

type savedEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

type savedRequestValue struct {
	Type      string      `json:"type"`
	Input     interface{} `json:"input,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	HasResult bool        `json:"hasResult,omitempty"`
}

type savedExtensionlessValue struct {
	Path       string   `json:"path"`
	Extensions []string `json:"extensions"`
}

type savedEnvValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type savedOptionValue struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type savedGraph struct {
	Nodes map[string]savedNode `json:"nodes"`
	Edges []savedEdge          `json:"edges"`

	InvalidRequestIDs       []string `json:"invalidRequestIds"`
	IncompleteRequestIDs    []string `json:"incompleteRequestIds"`
	UnpredictableRequestIDs []string `json:"unpredictableRequestIds"`
	GlobNodeIDs             []string `json:"globNodeIds"`
	EnvNodeIDs              []string `json:"envNodeIds"`
	OptionNodeIDs           []string `json:"optionNodeIds"`
}

// Serialize snapshots the graph, its edges, and the six index sets to a
// compressed, checksummed blob. Identical graph states produce
// identical bytes: nodes and sets are sorted and the payload is
// canonical JSON.
func (rg *RequestGraph) Serialize() ([]byte, error) {
	saved := savedGraph{
		Nodes:                   make(map[string]savedNode, rg.g.Len()),
		InvalidRequestIDs:       sortedSet(rg.invalidRequestIDs),
		IncompleteRequestIDs:    sortedSet(rg.incompleteRequestIDs),
		UnpredictableRequestIDs: sortedSet(rg.unpredictableRequestIDs),
		GlobNodeIDs:             sortedSet(rg.globNodeIDs),
		EnvNodeIDs:              sortedSet(rg.envNodeIDs),
		OptionNodeIDs:           sortedSet(rg.optionNodeIDs),
	}

	for _, id := range rg.g.NodeIDs() {
		node, ok := rg.g.Node(id).(Node)
		if !ok {
			continue
		}
		sn, err := marshalNode(node)
		if err != nil {
			return nil, fmt.Errorf("marshaling node %q: %w", id, err)
		}
		saved.Nodes[id] = sn
	}

	for _, edge := range rg.g.Edges() {
		saved.Edges = append(saved.Edges, savedEdge{From: edge.From, To: edge.To, Kind: string(edge.Kind)})
	}

	payload, err := cas.CanonicalJSON(saved)
	if err != nil {
		return nil, fmt.Errorf("marshaling graph: %w", err)
	}

	header, err := json.Marshal(stateHeader{
		Version:  stateVersion,
		Checksum: cas.Blake3HashHex(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var out bytes.Buffer
	headerLen := make([]byte, headerLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(header)))
	out.Write(headerLen)
	out.Write(header)

	// Single-goroutine encoding keeps identical payloads byte-identical.
	encoder, err := zstd.NewWriter(&out, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(payload); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing graph: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return out.Bytes(), nil
}

// LoadRequestGraph rebuilds a graph from serialized bytes. Any mismatch
// (bad container, checksum, version, or node shape) is an error; the
// caller treats that as no prior state.
func LoadRequestGraph(data []byte) (*RequestGraph, error) {
	if len(data) < headerLengthSize {
		return nil, fmt.Errorf("state too small: %d bytes", len(data))
	}

	headerLen := binary.BigEndian.Uint32(data[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("state header too large: %d bytes", headerLen)
	}
	if int(headerLengthSize+headerLen) > len(data) {
		return nil, fmt.Errorf("state header length exceeds blob size")
	}

	var header stateHeader
	if err := json.Unmarshal(data[headerLengthSize:headerLengthSize+headerLen], &header); err != nil {
		return nil, fmt.Errorf("parsing state header: %w", err)
	}
	if header.Version != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", header.Version)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(data[headerLengthSize+headerLen:]))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	payload, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing state: %w", err)
	}
	if cas.Blake3HashHex(payload) != header.Checksum {
		return nil, fmt.Errorf("state checksum mismatch")
	}

	var saved savedGraph
	if err := json.Unmarshal(payload, &saved); err != nil {
		return nil, fmt.Errorf("parsing state: %w", err)
	}

	rg := NewRequestGraph()
	for id, sn := range saved.Nodes {
		node, err := unmarshalNode(id, sn)
		if err != nil {
			return nil, fmt.Errorf("rebuilding node %q: %w", id, err)
		}
		rg.addNode(node)
	}
	for _, edge := range saved.Edges {
		if err := rg.g.AddEdge(edge.From, edge.To, graph.EdgeKind(edge.Kind)); err != nil {
			return nil, fmt.Errorf("rebuilding edges: %w", err)
		}
	}

	// Index sets only ever hold ids present in the graph.
	rg.invalidRequestIDs = setOfPresent(saved.InvalidRequestIDs, rg)
	rg.incompleteRequestIDs = setOfPresent(saved.IncompleteRequestIDs, rg)
	rg.unpredictableRequestIDs = setOfPresent(saved.UnpredictableRequestIDs, rg)

	return rg, nil
}

func marshalNode(node Node) (savedNode, error) {
	var value interface{}
	switch n := node.(type) {
	case *RequestNode:
		value = savedRequestValue{Type: n.Type(), Input: n.Input(), Result: n.Result(), HasResult: n.HasResult()}
	case *FileNode:
		value = map[string]string{"path": n.Path()}
	case *GlobNode:
		value = map[string]string{"pattern": n.Pattern()}
	case *FileNameNode:
		value = map[string]string{"name": n.Name()}
	case *ExtensionlessFileNode:
		value = savedExtensionlessValue{Path: n.Path(), Extensions: n.Extensions()}
	case *EnvNode:
		value = savedEnvValue{Name: n.Name(), Value: n.Value()}
	case *OptionNode:
		value = savedOptionValue{Name: n.Name(), Hash: n.Hash()}
	default:
		return savedNode{}, fmt.Errorf("unknown node kind %q", node.Kind())
	}

	raw, err := cas.CanonicalJSON(value)
	if err != nil {
		return savedNode{}, err
	}
	return savedNode{Kind: node.Kind(), Value: raw}, nil
}

func unmarshalNode(id string, sn savedNode) (Node, error) {
	switch sn.Kind {
	case KindRequest:
		var v savedRequestValue
		if err := json.Unmarshal(sn.Value, &v); err != nil {
			return nil, err
		}
		node := NewRequestNode(id, v.Type, v.Input)
		if v.HasResult {
			node.setResult(v.Result)
		}
		return node, nil
	case KindFile:
		return NewFileNode(id), nil
	case KindGlob:
		return NewGlobNode(id), nil
	case KindFileName:
		var v map[string]string
		if err := json.Unmarshal(sn.Value, &v); err != nil {
			return nil, err
		}
		return NewFileNameNode(v["name"]), nil
	case KindExtensionlessFile:
		var v savedExtensionlessValue
		if err := json.Unmarshal(sn.Value, &v); err != nil {
			return nil, err
		}
		return NewExtensionlessFileNode(v.Path, v.Extensions), nil
	case KindEnv:
		var v savedEnvValue
		if err := json.Unmarshal(sn.Value, &v); err != nil {
			return nil, err
		}
		return NewEnvNode(v.Name, v.Value), nil
	case KindOption:
		var v savedOptionValue
		if err := json.Unmarshal(sn.Value, &v); err != nil {
			return nil, err
		}
		return NewOptionNode(v.Name, v.Hash), nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", sn.Kind)
	}
}

func sortedSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func setOfPresent(ids []string, rg *RequestGraph) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if rg.g.HasNode(id) {
			set[id] = struct{}{}
		}
	}
	return set
}
