package tracker

import (
	"fmt"
	"sort"
	"strings"

	"loom/internal/cas"
	"loom/internal/graph"
)

// RequestGraph is the persistent dependency graph: request nodes, the
// files/globs/env vars/options that invalidate them, and the index sets
// needed to answer "what is stale" quickly.
type RequestGraph struct {
	g *graph.Graph

	invalidRequestIDs       map[string]struct{}
	incompleteRequestIDs    map[string]struct{}
	unpredictableRequestIDs map[string]struct{}

	globNodeIDs   map[string]struct{}
	envNodeIDs    map[string]struct{}
	optionNodeIDs map[string]struct{}
}

// NewRequestGraph creates an empty request graph.
func NewRequestGraph() *RequestGraph {
	return &RequestGraph{
		g:                       graph.New(),
		invalidRequestIDs:       make(map[string]struct{}),
		incompleteRequestIDs:    make(map[string]struct{}),
		unpredictableRequestIDs: make(map[string]struct{}),
		globNodeIDs:             make(map[string]struct{}),
		envNodeIDs:              make(map[string]struct{}),
		optionNodeIDs:           make(map[string]struct{}),
	}
}

// addNode inserts a node and maintains the per-kind index sets.
// Returns true if the node was new.
func (rg *RequestGraph) addNode(n Node) bool {
	if !rg.g.AddNode(n) {
		return false
	}
	switch n.Kind() {
	case KindGlob:
		rg.globNodeIDs[n.ID()] = struct{}{}
	case KindEnv:
		rg.envNodeIDs[n.ID()] = struct{}{}
	case KindOption:
		rg.optionNodeIDs[n.ID()] = struct{}{}
	}
	return true
}

// RemoveNode deletes a node, its incident edges, and every index entry
// referring to it.
func (rg *RequestGraph) RemoveNode(id string) {
	rg.g.RemoveNode(id)
	delete(rg.invalidRequestIDs, id)
	delete(rg.incompleteRequestIDs, id)
	delete(rg.unpredictableRequestIDs, id)
	delete(rg.globNodeIDs, id)
	delete(rg.envNodeIDs, id)
	delete(rg.optionNodeIDs, id)
}

// HasNode reports whether any node with the given id exists.
func (rg *RequestGraph) HasNode(id string) bool {
	return rg.g.HasNode(id)
}

// RequestNode returns the request node for id.
func (rg *RequestGraph) RequestNode(id string) (*RequestNode, error) {
	node, ok := rg.g.Node(id).(*RequestNode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchRequest, id)
	}
	return node, nil
}

// node returns the typed node for id, or nil.
func (rg *RequestGraph) node(id string) Node {
	n, _ := rg.g.Node(id).(Node)
	return n
}

// InvalidateOnFileUpdate records that a change to path's content forces
// the request to rerun.
func (rg *RequestGraph) InvalidateOnFileUpdate(requestID, path string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	file := NewFileNode(path)
	rg.addNode(file)
	return rg.g.AddEdge(requestID, file.ID(), EdgeInvalidatedByUpdate)
}

// InvalidateOnFileDelete records that path disappearing forces the
// request to rerun.
func (rg *RequestGraph) InvalidateOnFileDelete(requestID, path string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	file := NewFileNode(path)
	rg.addNode(file)
	return rg.g.AddEdge(requestID, file.ID(), EdgeInvalidatedByDelete)
}

// FileCreateInvalidation describes one of three watch shapes: a glob, a
// path with candidate extensions, or a file name above a path.
type FileCreateInvalidation struct {
	// Glob watches for any path matching the pattern.
	Glob string `json:"glob,omitempty"`

	// Path plus Extensions watches for any of path.ext appearing.
	Path       string   `json:"path,omitempty"`
	Extensions []string `json:"extensions,omitempty"`

	// FileName plus AbovePath watches for a file of that name
	// appearing in any ancestor directory of the path.
	FileName  string `json:"fileName,omitempty"`
	AbovePath string `json:"abovePath,omitempty"`
}

// InvalidateOnFileCreate records that something matching the spec
// appearing on disk forces the request to rerun.
func (rg *RequestGraph) InvalidateOnFileCreate(requestID string, inv FileCreateInvalidation) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}

	switch {
	case inv.Glob != "":
		node := NewGlobNode(inv.Glob)
		rg.addNode(node)
		return rg.g.AddEdge(requestID, node.ID(), EdgeInvalidatedByCreate)

	case inv.Path != "" && len(inv.Extensions) > 0:
		id := ExtensionlessFileNodeID(inv.Path)
		if existing, ok := rg.g.Node(id).(*ExtensionlessFileNode); ok {
			// Union the watched extensions, then make sure the
			// edge exists: a second declaring request must be
			// connected even when the node already was.
			existing.addExtensions(inv.Extensions)
		} else {
			rg.addNode(NewExtensionlessFileNode(inv.Path, inv.Extensions))
		}
		return rg.g.AddEdge(requestID, id, EdgeInvalidatedByCreate)

	case inv.FileName != "" && inv.AbovePath != "":
		return rg.invalidateOnFileCreateAbove(requestID, inv.FileName, inv.AbovePath)

	default:
		return fmt.Errorf("%w: %+v", ErrInvalidInvalidation, inv)
	}
}

// invalidateOnFileCreateAbove builds the file name chain leaf-first and
// anchors it to the watched path. The chain segments come from the name
// split on '/' and reversed, so "node_modules/pkg" watches pkg inside
// node_modules via a dirname edge from pkg's segment to node_modules'.
func (rg *RequestGraph) invalidateOnFileCreateAbove(requestID, fileName, abovePath string) error {
	parts := strings.Split(fileName, "/")
	lastID := ""
	for i := len(parts) - 1; i >= 0; i-- {
		segment := NewFileNameNode(parts[i])
		rg.addNode(segment)
		if lastID != "" {
			if err := rg.g.AddEdge(lastID, segment.ID(), EdgeDirname); err != nil {
				return err
			}
		}
		lastID = segment.ID()
	}

	file := NewFileNode(abovePath)
	rg.addNode(file)
	if err := rg.g.AddEdge(file.ID(), lastID, EdgeInvalidatedByCreateAbove); err != nil {
		return err
	}
	return rg.g.AddEdge(requestID, file.ID(), EdgeInvalidatedByCreate)
}

// InvalidateOnStartup marks the request as unpredictable: it reruns at
// least once per process start.
func (rg *RequestGraph) InvalidateOnStartup(requestID string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	rg.unpredictableRequestIDs[requestID] = struct{}{}
	return nil
}

// InvalidateOnEnvChange captures the current value of an environment
// variable; a later mismatch invalidates the request.
func (rg *RequestGraph) InvalidateOnEnvChange(requestID, name, value string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	env := NewEnvNode(name, value)
	rg.addNode(env)
	return rg.g.AddEdge(requestID, env.ID(), EdgeInvalidatedByUpdate)
}

// InvalidateOnOptionChange captures a stable hash of an option's value;
// a later mismatch invalidates the request.
func (rg *RequestGraph) InvalidateOnOptionChange(requestID, name string, value interface{}) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	hash, err := cas.StableHash(value)
	if err != nil {
		return fmt.Errorf("hashing option %q: %w", name, err)
	}
	option := NewOptionNode(name, hash)
	rg.addNode(option)
	return rg.g.AddEdge(requestID, option.ID(), EdgeInvalidatedByUpdate)
}

// ClearInvalidations drops everything a request previously declared so
// a fresh run can re-declare exactly what it still depends on.
func (rg *RequestGraph) ClearInvalidations(requestID string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	delete(rg.unpredictableRequestIDs, requestID)
	for _, kind := range []graph.EdgeKind{EdgeInvalidatedByUpdate, EdgeInvalidatedByDelete, EdgeInvalidatedByCreate} {
		if err := rg.g.ReplaceNodesConnectedTo(requestID, nil, nil, kind); err != nil {
			return err
		}
	}
	return nil
}

// InvalidationType discriminates reported invalidations.
type InvalidationType string

const (
	InvalidationFile InvalidationType = "file"
	InvalidationEnv  InvalidationType = "env"
)

// Invalidation is one reported dependency of a request.
type Invalidation struct {
	Type InvalidationType `json:"type"`
	Path string           `json:"path,omitempty"`
	Name string           `json:"name,omitempty"`
}

// GetInvalidations reports the files and environment variables a
// request currently watches for updates.
func (rg *RequestGraph) GetInvalidations(requestID string) []Invalidation {
	var invalidations []Invalidation
	for _, id := range rg.g.NodeIDsFrom(requestID, EdgeInvalidatedByUpdate) {
		switch n := rg.node(id).(type) {
		case *FileNode:
			invalidations = append(invalidations, Invalidation{Type: InvalidationFile, Path: n.Path()})
		case *EnvNode:
			invalidations = append(invalidations, Invalidation{Type: InvalidationEnv, Name: n.Name()})
		}
	}
	return invalidations
}

// InvalidateNode marks a request stale and propagates through the
// subrequest relation: every parent that memoized through this request
// is stale too. A visited set keeps misuse (cyclic subrequests) from
// hanging the walk.
func (rg *RequestGraph) InvalidateNode(requestID string) {
	if _, ok := rg.g.Node(requestID).(*RequestNode); !ok {
		return
	}

	visited := map[string]struct{}{requestID: {}}
	queue := []string{requestID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		rg.invalidRequestIDs[id] = struct{}{}
		for _, parent := range rg.g.NodeIDsTo(id, EdgeSubrequest) {
			if _, seen := visited[parent]; seen {
				continue
			}
			visited[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}
}

// InvalidateUnpredictableNodes marks every unpredictable request stale.
func (rg *RequestGraph) InvalidateUnpredictableNodes() {
	for id := range rg.unpredictableRequestIDs {
		rg.InvalidateNode(id)
	}
}

// InvalidateEnvNodes compares each captured environment value against
// the current environment and invalidates the watchers of any that
// changed.
func (rg *RequestGraph) InvalidateEnvNodes(env map[string]string) {
	for id := range rg.envNodeIDs {
		node, ok := rg.g.Node(id).(*EnvNode)
		if !ok {
			continue
		}
		if env[node.Name()] == node.Value() {
			continue
		}
		for _, requestID := range rg.g.NodeIDsTo(id, EdgeInvalidatedByUpdate) {
			rg.InvalidateNode(requestID)
		}
	}
}

// InvalidateOptionNodes compares each captured option hash against the
// current options and invalidates the watchers of any that changed.
func (rg *RequestGraph) InvalidateOptionNodes(options map[string]interface{}) error {
	for id := range rg.optionNodeIDs {
		node, ok := rg.g.Node(id).(*OptionNode)
		if !ok {
			continue
		}
		hash, err := cas.StableHash(options[node.Name()])
		if err != nil {
			return fmt.Errorf("hashing option %q: %w", node.Name(), err)
		}
		if hash == node.Hash() {
			continue
		}
		for _, requestID := range rg.g.NodeIDsTo(id, EdgeInvalidatedByUpdate) {
			rg.InvalidateNode(requestID)
		}
	}
	return nil
}

// WatchedFilePaths returns the paths of every file node, sorted.
func (rg *RequestGraph) WatchedFilePaths() []string {
	var paths []string
	for _, id := range rg.g.NodeIDs() {
		if file, ok := rg.g.Node(id).(*FileNode); ok {
			paths = append(paths, file.Path())
		}
	}
	return paths
}

// GlobPatterns returns every watched glob pattern, sorted.
func (rg *RequestGraph) GlobPatterns() []string {
	return sortedSet(rg.globNodeIDs)
}

// InvalidRequestIDs returns the ids of stale requests, sorted.
func (rg *RequestGraph) InvalidRequestIDs() []string {
	ids := make([]string, 0, len(rg.invalidRequestIDs))
	for id := range rg.invalidRequestIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// startRequest inserts the request node, or clears the previous run's
// declarations if it already exists. The request moves into the
// incomplete set until the run finishes.
func (rg *RequestGraph) startRequest(node *RequestNode) (bool, error) {
	added := rg.addNode(node)
	if !added {
		if err := rg.ClearInvalidations(node.ID()); err != nil {
			return false, err
		}
	}
	rg.incompleteRequestIDs[node.ID()] = struct{}{}
	delete(rg.invalidRequestIDs, node.ID())
	return added, nil
}

// completeRequest marks a run as finished and its result as usable.
func (rg *RequestGraph) completeRequest(requestID string) {
	delete(rg.invalidRequestIDs, requestID)
	delete(rg.incompleteRequestIDs, requestID)
}

// rejectRequest marks a run as failed: no longer in flight, and stale
// if the node survived the run.
func (rg *RequestGraph) rejectRequest(requestID string) {
	delete(rg.incompleteRequestIDs, requestID)
	if rg.g.HasNode(requestID) {
		rg.invalidRequestIDs[requestID] = struct{}{}
	}
}

// replaceSubrequests rebuilds the subrequest fan-out of a request to
// exactly the given child ids.
func (rg *RequestGraph) replaceSubrequests(requestID string, subrequestIDs []string) error {
	if _, err := rg.RequestNode(requestID); err != nil {
		return err
	}
	targets := make([]string, 0, len(subrequestIDs))
	for _, id := range subrequestIDs {
		if rg.g.HasNode(id) {
			targets = append(targets, id)
		}
	}
	return rg.g.ReplaceNodesConnectedTo(requestID, targets, nil, EdgeSubrequest)
}

// hasValidResult reports whether a request's stored result is usable:
// the node exists and the request is neither stale nor in flight.
func (rg *RequestGraph) hasValidResult(requestID string) bool {
	if _, ok := rg.g.Node(requestID).(*RequestNode); !ok {
		return false
	}
	if _, invalid := rg.invalidRequestIDs[requestID]; invalid {
		return false
	}
	if _, incomplete := rg.incompleteRequestIDs[requestID]; incomplete {
		return false
	}
	return true
}

// storeResult mutates the request node's stored value.
func (rg *RequestGraph) storeResult(requestID string, value interface{}) error {
	node, err := rg.RequestNode(requestID)
	if err != nil {
		return err
	}
	node.setResult(value)
	return nil
}
