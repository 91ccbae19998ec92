package build

import (
	"context"
	"fmt"
	"os"

	"loom/internal/cas"
	"loom/internal/store"
	"loom/internal/tracker"
)

// AssetRequestInput identifies a single asset digest.
type AssetRequestInput struct {
	Path string `json:"path"`
}

// AssetResult is what an asset request memoizes.
type AssetResult struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// NewAssetRequest digests one file's content on the farm, consulting
// the store's stat-keyed digest cache to skip rehashing unchanged
// files. The request reruns when the file changes or disappears.
func NewAssetRequest(db *store.DB, in AssetRequestInput) (*tracker.Request, error) {
	id, err := cas.RequestID("asset_request", in)
	if err != nil {
		return nil, fmt.Errorf("deriving asset request id: %w", err)
	}

	return &tracker.Request{
		ID:    id,
		Type:  "asset_request",
		Input: in,
		Run: func(ctx context.Context, run tracker.RunInput) (interface{}, error) {
			if err := run.API.InvalidateOnFileUpdate(in.Path); err != nil {
				return nil, err
			}
			if err := run.API.InvalidateOnFileDelete(in.Path); err != nil {
				return nil, err
			}

			result, err := run.Farm.Do(ctx, func() (interface{}, error) {
				info, err := os.Stat(in.Path)
				if err != nil {
					return nil, fmt.Errorf("stating %s: %w", in.Path, err)
				}

				if db != nil {
					if digest, err := db.GetDigest(in.Path, info); err == nil && digest != "" {
						return &AssetResult{Path: in.Path, Digest: digest, Size: info.Size()}, nil
					}
				}

				content, err := os.ReadFile(in.Path)
				if err != nil {
					return nil, fmt.Errorf("reading %s: %w", in.Path, err)
				}

				var digest string
				if db != nil {
					digest, err = db.GetOrCompute(in.Path, info, content)
					if err != nil {
						return nil, err
					}
				} else {
					digest = cas.Blake3HashHex(content)
				}
				return &AssetResult{Path: in.Path, Digest: digest, Size: info.Size()}, nil
			})
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	}, nil
}
