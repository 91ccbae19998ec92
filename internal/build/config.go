// Package build provides the built-in request kinds: project config
// discovery, entry globbing, extension-priority path resolution, and
// asset digesting. Each declares its dependencies through the run API
// so the tracker can rerun exactly what a filesystem change affects.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"loom/internal/cas"
	"loom/internal/options"
	"loom/internal/tracker"
)

const configFileName = "loom.yaml"

// ConfigRequestInput identifies a config discovery.
type ConfigRequestInput struct {
	ProjectRoot string `json:"projectRoot"`
	Entry       string `json:"entry"`
}

// ConfigResult is what a config request memoizes.
type ConfigResult struct {
	// Path is the discovered loom.yaml, empty when defaults apply.
	Path   string                 `json:"path"`
	Config *options.ProjectConfig `json:"config"`
}

// NewConfigRequest discovers the loom.yaml governing an entry by
// walking the entry's ancestor directories up to the project root. It
// reruns when the discovered file changes, when a closer config file
// appears, or when the build mode option changes.
func NewConfigRequest(in ConfigRequestInput) (*tracker.Request, error) {
	id, err := cas.RequestID("config_request", in)
	if err != nil {
		return nil, fmt.Errorf("deriving config request id: %w", err)
	}

	return &tracker.Request{
		ID:    id,
		Type:  "config_request",
		Input: in,
		Run: func(ctx context.Context, run tracker.RunInput) (interface{}, error) {
			if err := run.API.InvalidateOnFileCreate(tracker.FileCreateInvalidation{
				FileName:  configFileName,
				AbovePath: in.Entry,
			}); err != nil {
				return nil, err
			}
			if err := run.API.InvalidateOnOptionChange("mode"); err != nil {
				return nil, err
			}
			if err := run.API.InvalidateOnEnvChange("LOOM_MODE"); err != nil {
				return nil, err
			}

			path := findConfigAbove(in.Entry, in.ProjectRoot)
			if path == "" {
				return &ConfigResult{Config: options.DefaultConfig()}, nil
			}

			if err := run.API.InvalidateOnFileUpdate(path); err != nil {
				return nil, err
			}
			if err := run.API.InvalidateOnFileDelete(path); err != nil {
				return nil, err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			cfg, err := options.ParseConfig(data)
			if err != nil {
				return nil, err
			}
			return &ConfigResult{Path: path, Config: cfg}, nil
		},
	}, nil
}

// findConfigAbove walks from the entry's directory to root looking for
// the nearest config file.
func findConfigAbove(entry, root string) string {
	dir := filepath.Dir(entry)
	for {
		candidate := filepath.Join(dir, configFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		if dir == root || dir == filepath.Dir(dir) {
			return ""
		}
		dir = filepath.Dir(dir)
	}
}
