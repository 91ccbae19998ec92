package build

import (
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"loom/internal/tracker"
)

// FileStat is the recorded shape of a watched file at the end of a
// build, used to synthesize watcher events on the next cold start.
type FileStat struct {
	Size    int64 `json:"size"`
	MtimeNs int64 `json:"mtimeNs"`
}

// SnapshotStats stats each path and records size and mtime. Paths that
// cannot be stated are left out, so the next DetectChanges reports no
// event for them; a recorded path that is gone by then reads as a delete.
func SnapshotStats(paths []string) map[string]FileStat {
	stats := make(map[string]FileStat, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		stats[path] = FileStat{Size: info.Size(), MtimeNs: info.ModTime().UnixNano()}
	}
	return stats
}

// DetectChanges compares the previous build's stat snapshot against the
// filesystem and synthesizes the events a live watcher would have
// delivered: updates and deletes for watched files, creates for new
// glob matches. File-name-above and extensionless creates need a real
// watcher; a cold scan cannot see them.
func DetectChanges(prev map[string]FileStat, t *tracker.Tracker) []tracker.Event {
	var events []tracker.Event

	watched := make(map[string]struct{})
	for _, path := range t.WatchedFilePaths() {
		watched[path] = struct{}{}
	}

	prevPaths := make([]string, 0, len(prev))
	for path := range prev {
		prevPaths = append(prevPaths, path)
	}
	sort.Strings(prevPaths)

	for _, path := range prevPaths {
		recorded := prev[path]
		info, err := os.Stat(path)
		if err != nil {
			events = append(events, tracker.Event{Path: path, Type: tracker.EventDelete})
			continue
		}
		if info.Size() != recorded.Size || info.ModTime().UnixNano() != recorded.MtimeNs {
			events = append(events, tracker.Event{Path: path, Type: tracker.EventUpdate})
		}
	}

	for _, pattern := range t.GlobPatterns() {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			continue
		}
		for _, match := range matches {
			if _, known := watched[match]; known {
				continue
			}
			if _, recorded := prev[match]; recorded {
				continue
			}
			events = append(events, tracker.Event{Path: match, Type: tracker.EventCreate})
		}
	}

	return events
}
