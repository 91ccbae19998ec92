package tracker

import "errors"

var (
	// ErrInvalidInvalidation is returned when a file-create
	// invalidation spec matches none of the accepted shapes.
	ErrInvalidInvalidation = errors.New("invalid invalidation spec")
	// ErrAborted is returned when a request run was cancelled.
	ErrAborted = errors.New("request aborted")
	// ErrNoSuchRequest is returned when an id does not name a request
	// node in the graph.
	ErrNoSuchRequest = errors.New("no such request")
	// ErrNoResult is returned when a request has no stored result.
	ErrNoResult = errors.New("request has no stored result")
)
