package build

import (
	"context"
	"errors"
	"fmt"
	"os"

	"loom/internal/cas"
	"loom/internal/tracker"
)

// ErrNotResolved is returned when no candidate extension exists on disk.
var ErrNotResolved = errors.New("path did not resolve")

// PathRequestInput identifies an extensionless path resolution.
type PathRequestInput struct {
	// Stem is the path without extension, e.g. "/src/foo".
	Stem string `json:"stem"`
	// Extensions is the candidate list in priority order.
	Extensions []string `json:"extensions"`
}

// NewPathRequest resolves stem against the extension priority list:
// the first stem+ext present on disk wins. The request reruns when the
// winner changes or disappears, or when a higher-priority candidate
// appears.
func NewPathRequest(in PathRequestInput) (*tracker.Request, error) {
	id, err := cas.RequestID("path_request", in)
	if err != nil {
		return nil, fmt.Errorf("deriving path request id: %w", err)
	}

	return &tracker.Request{
		ID:    id,
		Type:  "path_request",
		Input: in,
		Run: func(ctx context.Context, run tracker.RunInput) (interface{}, error) {
			for i, ext := range in.Extensions {
				candidate := in.Stem + ext
				info, err := os.Stat(candidate)
				if err != nil || info.IsDir() {
					continue
				}

				// A file with any higher-priority extension
				// appearing would change the outcome.
				if i > 0 {
					if err := run.API.InvalidateOnFileCreate(tracker.FileCreateInvalidation{
						Path:       in.Stem,
						Extensions: in.Extensions[:i],
					}); err != nil {
						return nil, err
					}
				}
				if err := run.API.InvalidateOnFileUpdate(candidate); err != nil {
					return nil, err
				}
				if err := run.API.InvalidateOnFileDelete(candidate); err != nil {
					return nil, err
				}
				return candidate, nil
			}

			if err := run.API.InvalidateOnFileCreate(tracker.FileCreateInvalidation{
				Path:       in.Stem,
				Extensions: in.Extensions,
			}); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %s", ErrNotResolved, in.Stem)
		},
	}, nil
}
