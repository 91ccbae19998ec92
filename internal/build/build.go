package build

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"loom/internal/cas"
	"loom/internal/store"
	"loom/internal/tracker"
)

// BuildRequestInput identifies a whole-project build.
type BuildRequestInput struct {
	ProjectRoot string `json:"projectRoot"`
}

// BuildResult is what a build request memoizes.
type BuildResult struct {
	ConfigPath string         `json:"configPath"`
	Assets     []*AssetResult `json:"assets"`
}

// NewBuildRequest composes the full pipeline: discover config, expand
// each entry glob, then digest every matched file. Each stage runs as a
// subrequest so unrelated filesystem changes rerun only the affected
// slice of the pipeline. Asset digests fan out in parallel.
func NewBuildRequest(db *store.DB, in BuildRequestInput) (*tracker.Request, error) {
	id, err := cas.RequestID("build_request", in)
	if err != nil {
		return nil, fmt.Errorf("deriving build request id: %w", err)
	}

	return &tracker.Request{
		ID:    id,
		Type:  "build_request",
		Input: in,
		Run: func(ctx context.Context, run tracker.RunInput) (interface{}, error) {
			configReq, err := NewConfigRequest(ConfigRequestInput{
				ProjectRoot: in.ProjectRoot,
				Entry:       filepath.Join(in.ProjectRoot, "src", "index"),
			})
			if err != nil {
				return nil, err
			}
			configValue, err := run.API.RunRequest(ctx, configReq)
			if err != nil {
				return nil, err
			}
			config, err := decodeConfigResult(configValue)
			if err != nil {
				return nil, err
			}

			var files []string
			for _, entry := range config.Config.Entries {
				glob := entry
				if !filepath.IsAbs(glob) {
					glob = filepath.Join(in.ProjectRoot, glob)
				}
				entryReq, err := NewEntryRequest(EntryRequestInput{Glob: glob})
				if err != nil {
					return nil, err
				}
				matchesValue, err := run.API.RunRequest(ctx, entryReq)
				if err != nil {
					return nil, err
				}
				files = append(files, toStrings(matchesValue)...)
			}
			sort.Strings(files)

			assets := make([]*AssetResult, len(files))
			errs := make([]error, len(files))
			var wg sync.WaitGroup
			for i, file := range files {
				wg.Add(1)
				go func(i int, file string) {
					defer wg.Done()
					assetReq, err := NewAssetRequest(db, AssetRequestInput{Path: file})
					if err != nil {
						errs[i] = err
						return
					}
					value, err := run.API.RunRequest(ctx, assetReq)
					if err != nil {
						errs[i] = err
						return
					}
					asset, err := decodeAssetResult(value)
					if err != nil {
						errs[i] = err
						return
					}
					assets[i] = asset
				}(i, file)
			}
			wg.Wait()
			for _, err := range errs {
				if err != nil {
					return nil, err
				}
			}

			return &BuildResult{ConfigPath: config.Path, Assets: assets}, nil
		},
	}, nil
}

// Memoized results restored from serialized state arrive as generic
// JSON values rather than the concrete types a fresh run returns, so
// decoding goes through a JSON round-trip when needed.

// DecodeBuildResult converts a memoized build value, fresh or restored,
// back to its concrete type.
func DecodeBuildResult(value interface{}) (*BuildResult, error) {
	if result, ok := value.(*BuildResult); ok {
		return result, nil
	}
	var result BuildResult
	if err := redecode(value, &result); err != nil {
		return nil, fmt.Errorf("decoding build result: %w", err)
	}
	return &result, nil
}

func decodeConfigResult(value interface{}) (*ConfigResult, error) {
	if result, ok := value.(*ConfigResult); ok {
		return result, nil
	}
	var result ConfigResult
	if err := redecode(value, &result); err != nil {
		return nil, fmt.Errorf("decoding config result: %w", err)
	}
	return &result, nil
}

func decodeAssetResult(value interface{}) (*AssetResult, error) {
	if result, ok := value.(*AssetResult); ok {
		return result, nil
	}
	var result AssetResult
	if err := redecode(value, &result); err != nil {
		return nil, fmt.Errorf("decoding asset result: %w", err)
	}
	return &result, nil
}

func toStrings(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func redecode(value, target interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
