package tracker

import (
	"sort"

	"loom/internal/graph"
)

// NodeKind discriminates the tagged node variants in the request graph.
type NodeKind string

const (
	KindRequest           NodeKind = "request"
	KindFile              NodeKind = "file"
	KindGlob              NodeKind = "glob"
	KindFileName          NodeKind = "file_name"
	KindExtensionlessFile NodeKind = "extensionless_file"
	KindEnv               NodeKind = "env"
	KindOption            NodeKind = "option"
)

// Edge kinds of the request graph.
const (
	// EdgeSubrequest connects a request to the requests its body ran.
	EdgeSubrequest graph.EdgeKind = "subrequest"
	// EdgeInvalidatedByUpdate: request -> file/env/option. A change
	// to the target forces a rerun.
	EdgeInvalidatedByUpdate graph.EdgeKind = "invalidated_by_update"
	// EdgeInvalidatedByDelete: request -> file. Deleting the target
	// forces a rerun.
	EdgeInvalidatedByDelete graph.EdgeKind = "invalidated_by_delete"
	// EdgeInvalidatedByCreate: request -> file/glob/extensionless
	// file. Something matching the target appearing forces a rerun.
	EdgeInvalidatedByCreate graph.EdgeKind = "invalidated_by_create"
	// EdgeInvalidatedByCreateAbove anchors a "file named X above this
	// path" watch: file -> file_name.
	EdgeInvalidatedByCreateAbove graph.EdgeKind = "invalidated_by_create_above"
	// EdgeDirname chains file name segments leaf-first so the event
	// responder can walk ancestor directories.
	EdgeDirname graph.EdgeKind = "dirname"
)

// Node is a tagged variant stored in the request graph. The id uniquely
// encodes kind plus key; construction helpers enforce the id shape.
type Node interface {
	graph.Node
	Kind() NodeKind
}

// RequestNode represents a memoized unit of build work.
type RequestNode struct {
	id          string
	requestType string
	input       interface{}
	result      interface{}
	hasResult   bool
}

// NewRequestNode creates a request node with a caller-supplied id,
// typically a hash of the request type and input.
func NewRequestNode(id, requestType string, input interface{}) *RequestNode {
	return &RequestNode{id: id, requestType: requestType, input: input}
}

func (n *RequestNode) ID() string          { return n.id }
func (n *RequestNode) Kind() NodeKind      { return KindRequest }
func (n *RequestNode) Type() string        { return n.requestType }
func (n *RequestNode) Input() interface{}  { return n.input }
func (n *RequestNode) Result() interface{} { return n.result }
func (n *RequestNode) HasResult() bool     { return n.hasResult }

func (n *RequestNode) setResult(v interface{}) {
	n.result = v
	n.hasResult = true
}

// FileNode represents the content at an absolute path.
type FileNode struct {
	path string
}

func NewFileNode(path string) *FileNode { return &FileNode{path: path} }

func (n *FileNode) ID() string     { return n.path }
func (n *FileNode) Kind() NodeKind { return KindFile }
func (n *FileNode) Path() string   { return n.path }

// GlobNode represents the set of paths matching a pattern.
type GlobNode struct {
	pattern string
}

func NewGlobNode(pattern string) *GlobNode { return &GlobNode{pattern: pattern} }

func (n *GlobNode) ID() string      { return n.pattern }
func (n *GlobNode) Kind() NodeKind  { return KindGlob }
func (n *GlobNode) Pattern() string { return n.pattern }

// FileNameNode is a single path segment used to express "a file named X
// somewhere above a directory".
type FileNameNode struct {
	name string
}

func NewFileNameNode(name string) *FileNameNode { return &FileNameNode{name: name} }

// FileNameNodeID derives the id for a file name segment.
func FileNameNodeID(name string) string { return "file_name:" + name }

func (n *FileNameNode) ID() string     { return FileNameNodeID(n.name) }
func (n *FileNameNode) Kind() NodeKind { return KindFileName }
func (n *FileNameNode) Name() string   { return n.name }

// ExtensionlessFileNode represents "any of path.ext1, path.ext2, ...".
type ExtensionlessFileNode struct {
	path string
	exts map[string]struct{}
}

func NewExtensionlessFileNode(path string, extensions []string) *ExtensionlessFileNode {
	n := &ExtensionlessFileNode{path: path, exts: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		n.exts[ext] = struct{}{}
	}
	return n
}

// ExtensionlessFileNodeID derives the id for an extensionless file path.
func ExtensionlessFileNodeID(path string) string { return "extensionless_file:" + path }

func (n *ExtensionlessFileNode) ID() string     { return ExtensionlessFileNodeID(n.path) }
func (n *ExtensionlessFileNode) Kind() NodeKind { return KindExtensionlessFile }
func (n *ExtensionlessFileNode) Path() string   { return n.path }

// HasExtension reports whether ext is in the watched set.
func (n *ExtensionlessFileNode) HasExtension(ext string) bool {
	_, ok := n.exts[ext]
	return ok
}

// Extensions returns the watched extensions, sorted.
func (n *ExtensionlessFileNode) Extensions() []string {
	exts := make([]string, 0, len(n.exts))
	for ext := range n.exts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func (n *ExtensionlessFileNode) addExtensions(extensions []string) {
	for _, ext := range extensions {
		n.exts[ext] = struct{}{}
	}
}

// EnvNode captures an environment variable's value at declaration time.
type EnvNode struct {
	name  string
	value string
}

func NewEnvNode(name, value string) *EnvNode { return &EnvNode{name: name, value: value} }

// EnvNodeID derives the id for an environment variable.
func EnvNodeID(name string) string { return "env:" + name }

func (n *EnvNode) ID() string     { return EnvNodeID(n.name) }
func (n *EnvNode) Kind() NodeKind { return KindEnv }
func (n *EnvNode) Name() string   { return n.name }
func (n *EnvNode) Value() string  { return n.value }

// OptionNode captures a stable hash of a configuration option's value.
type OptionNode struct {
	name string
	hash string
}

func NewOptionNode(name, hash string) *OptionNode { return &OptionNode{name: name, hash: hash} }

// OptionNodeID derives the id for a configuration option.
func OptionNodeID(name string) string { return "option:" + name }

func (n *OptionNode) ID() string     { return OptionNodeID(n.name) }
func (n *OptionNode) Kind() NodeKind { return KindOption }
func (n *OptionNode) Name() string   { return n.name }
func (n *OptionNode) Hash() string   { return n.hash }
