package tracker

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"loom/internal/graph"
)

// EventType classifies a filesystem event.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one filesystem change reported by the watcher.
type Event struct {
	Path string    `json:"path"`
	Type EventType `json:"type"`
}

// RespondToFSEvents processes an ordered batch of watcher events and
// marks the affected requests stale. Returns true if any event reached a
// watching request, including one that was already stale. Events
// referring to paths no request watches are ignored.
func (rg *RequestGraph) RespondToFSEvents(events []Event) bool {
	changed := false
	for _, event := range events {
		path := filepath.ToSlash(event.Path)

		switch event.Type {
		case EventCreate, EventUpdate:
			// On macOS some updates surface as creates; a File
			// node already existing at the path means a request
			// watches its content, so treat it as an update.
			if _, ok := rg.g.Node(path).(*FileNode); ok {
				if rg.invalidateConnected(path, EdgeInvalidatedByUpdate) {
					changed = true
				}
				continue
			}
			if event.Type == EventCreate && rg.respondToCreate(path) {
				changed = true
			}

		case EventDelete:
			if _, ok := rg.g.Node(path).(*FileNode); ok {
				if rg.invalidateConnected(path, EdgeInvalidatedByDelete) {
					changed = true
				}
			}
		}
	}
	return changed
}

// respondToCreate runs the three independent create probes: an
// extensionless-file watch, a file-name-above chain, and the glob set.
func (rg *RequestGraph) respondToCreate(path string) bool {
	changed := false

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	if node, ok := rg.g.Node(ExtensionlessFileNodeID(stem)).(*ExtensionlessFileNode); ok {
		if node.HasExtension(ext) && rg.invalidateConnected(node.ID(), EdgeInvalidatedByCreate) {
			changed = true
		}
	}

	fileNameID := FileNameNodeID(filepath.Base(path))
	if _, ok := rg.g.Node(fileNameID).(*FileNameNode); ok {
		if rg.invalidateFileNameNode(fileNameID, path) {
			changed = true
		}
	}

	for globID := range rg.globNodeIDs {
		node, ok := rg.g.Node(globID).(*GlobNode)
		if !ok {
			continue
		}
		if matched, _ := doublestar.Match(node.Pattern(), path); matched {
			if rg.invalidateConnected(globID, EdgeInvalidatedByCreate) {
				changed = true
			}
		}
	}

	return changed
}

// invalidateFileNameNode checks the files anchored at a file name
// segment against the event's directory, then walks outward along the
// dirname chain as long as each parent segment matches the next
// ancestor directory's basename.
func (rg *RequestGraph) invalidateFileNameNode(fileNameID, eventPath string) bool {
	changed := false
	dir := filepath.ToSlash(filepath.Dir(eventPath))

	for _, fileID := range rg.g.NodeIDsTo(fileNameID, EdgeInvalidatedByCreateAbove) {
		file, ok := rg.g.Node(fileID).(*FileNode)
		if !ok {
			continue
		}
		// The new file only affects watchers whose anchor path
		// lives at or below the event's directory.
		if !isDirectoryInside(filepath.ToSlash(filepath.Dir(file.Path())), dir) {
			continue
		}
		if rg.invalidateConnected(fileID, EdgeInvalidatedByCreate) {
			changed = true
		}
	}

	parentBase := filepath.Base(dir)
	for _, parentID := range rg.g.NodeIDsFrom(fileNameID, EdgeDirname) {
		parent, ok := rg.g.Node(parentID).(*FileNameNode)
		if !ok || parent.Name() != parentBase {
			continue
		}
		if rg.invalidateFileNameNode(parentID, dir) {
			changed = true
		}
	}

	return changed
}

// invalidateConnected invalidates every request with an edge of the
// given kind pointing at the node. Returns true if at least one request
// was marked.
func (rg *RequestGraph) invalidateConnected(nodeID string, kind graph.EdgeKind) bool {
	requestIDs := rg.g.NodeIDsTo(nodeID, kind)
	for _, requestID := range requestIDs {
		rg.InvalidateNode(requestID)
	}
	return len(requestIDs) > 0
}

// isDirectoryInside reports whether child is parent itself or a
// directory underneath it. Both paths are slash-normalized absolutes.
func isDirectoryInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, strings.TrimSuffix(parent, "/")+"/")
}
