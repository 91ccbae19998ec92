package build

import (
	"context"
	"fmt"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"loom/internal/cas"
	"loom/internal/tracker"
)

// EntryRequestInput identifies an entry glob expansion.
type EntryRequestInput struct {
	Glob string `json:"glob"`
}

// NewEntryRequest expands a doublestar glob into the sorted list of
// matching files. It reruns when a new path matching the glob appears
// or a current match changes or disappears.
func NewEntryRequest(in EntryRequestInput) (*tracker.Request, error) {
	id, err := cas.RequestID("entry_request", in)
	if err != nil {
		return nil, fmt.Errorf("deriving entry request id: %w", err)
	}

	return &tracker.Request{
		ID:    id,
		Type:  "entry_request",
		Input: in,
		Run: func(ctx context.Context, run tracker.RunInput) (interface{}, error) {
			if err := run.API.InvalidateOnFileCreate(tracker.FileCreateInvalidation{Glob: in.Glob}); err != nil {
				return nil, err
			}

			matches, err := doublestar.FilepathGlob(in.Glob)
			if err != nil {
				return nil, fmt.Errorf("expanding glob %q: %w", in.Glob, err)
			}
			sort.Strings(matches)

			for _, match := range matches {
				if err := run.API.InvalidateOnFileUpdate(match); err != nil {
					return nil, err
				}
				if err := run.API.InvalidateOnFileDelete(match); err != nil {
					return nil, err
				}
			}

			return matches, nil
		},
	}, nil
}
