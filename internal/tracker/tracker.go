// Package tracker implements the incremental request tracker: a
// persistent graph of memoized build requests and the files, globs,
// environment variables, and options that invalidate them.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"loom/internal/farm"
	"loom/internal/options"
)

// RunFunc is a request body. It receives the request input plus the
// run-scoped API handle, declares its dependencies through the handle,
// and returns the value to memoize.
type RunFunc func(ctx context.Context, run RunInput) (interface{}, error)

// RunInput carries everything a request body gets to work with. The
// API handle is the sole channel for declaring dependencies; reads that
// bypass it are invisible to invalidation.
type RunInput struct {
	Input   interface{}
	API     *RunAPI
	Farm    *farm.Farm
	Options *options.Options
}

// Request is one memoized unit of build work.
type Request struct {
	// ID uniquely identifies the request across runs, typically a
	// hash of the type and input (cas.RequestID).
	ID    string
	Type  string
	Input interface{}
	Run   RunFunc
}

// RequestRecord is a snapshot of a stale request for reporting.
type RequestRecord struct {
	ID    string
	Type  string
	Input interface{}
}

// Config configures a Tracker.
type Config struct {
	Farm    *farm.Farm
	Options *options.Options
	Logger  *slog.Logger

	// State is a previously serialized graph. A corrupt or
	// incompatible blob is logged and discarded; the tracker starts
	// empty.
	State []byte
}

// Tracker owns a request graph and runs requests against it, skipping
// any whose memoized result is still valid. Graph access is serialized
// through an internal mutex so request bodies may run subrequests from
// multiple goroutines.
type Tracker struct {
	mu      sync.Mutex
	graph   *RequestGraph
	farm    *farm.Farm
	options *options.Options
	logger  *slog.Logger
}

// New creates a tracker, restoring prior state when cfg.State holds a
// usable serialized graph.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rg := NewRequestGraph()
	if len(cfg.State) > 0 {
		loaded, err := LoadRequestGraph(cfg.State)
		if err != nil {
			logger.Warn("discarding prior tracker state", "error", err)
		} else {
			rg = loaded
		}
	}

	return &Tracker{
		graph:   rg,
		farm:    cfg.Farm,
		options: cfg.Options,
		logger:  logger,
	}
}

// RunRequest returns the memoized result if the request is still valid,
// otherwise executes the body, records the dependencies it declares,
// and stores the fresh result. Cancellation of ctx surfaces as
// ErrAborted once the body returns.
func (t *Tracker) RunRequest(ctx context.Context, req *Request) (interface{}, error) {
	t.mu.Lock()
	if t.graph.hasValidResult(req.ID) {
		node, err := t.graph.RequestNode(req.ID)
		t.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return node.Result(), nil
	}

	node := NewRequestNode(req.ID, req.Type, req.Input)
	if _, err := t.graph.startRequest(node); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	api := newRunAPI(t, req.ID)
	t.mu.Unlock()

	t.logger.Debug("running request", "type", req.Type, "id", req.ID)
	result, err := req.Run(ctx, RunInput{
		Input:   req.Input,
		API:     api,
		Farm:    t.farm,
		Options: t.options,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	// The fan-out reflects exactly this run's subrequests, even when
	// the body failed partway through.
	defer t.reconcileSubrequests(req.ID, api.subrequestIDs())

	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
	}
	if err != nil {
		t.graph.rejectRequest(req.ID)
		if isAbort(err) {
			if !errors.Is(err, ErrAborted) {
				err = fmt.Errorf("%w: %v", ErrAborted, err)
			}
			return nil, err
		}
		return nil, fmt.Errorf("request %s failed: %w", req.Type, err)
	}

	if err := t.graph.storeResult(req.ID, result); err != nil {
		return nil, err
	}
	t.graph.completeRequest(req.ID)
	return result, nil
}

func isAbort(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (t *Tracker) reconcileSubrequests(requestID string, subrequestIDs []string) {
	if !t.graph.HasNode(requestID) {
		return
	}
	if err := t.graph.replaceSubrequests(requestID, subrequestIDs); err != nil {
		t.logger.Warn("reconciling subrequests", "id", requestID, "error", err)
	}
}

// HasValidResult reports whether a request's memoized result is usable.
func (t *Tracker) HasValidResult(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.hasValidResult(requestID)
}

// GetRequestResult returns the value stored by a prior successful run.
func (t *Tracker) GetRequestResult(requestID string) (interface{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, err := t.graph.RequestNode(requestID)
	if err != nil {
		return nil, err
	}
	if !node.HasResult() {
		return nil, fmt.Errorf("%w: %q", ErrNoResult, requestID)
	}
	return node.Result(), nil
}

// StoreResult mutates a request node's stored value.
func (t *Tracker) StoreResult(requestID string, value interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.storeResult(requestID, value)
}

// CompleteRequest marks a request as cleanly finished.
func (t *Tracker) CompleteRequest(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graph.completeRequest(requestID)
}

// RejectRequest marks a request as failed and stale.
func (t *Tracker) RejectRequest(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graph.rejectRequest(requestID)
}

// RemoveRequest deletes a request node and all its bookkeeping.
func (t *Tracker) RemoveRequest(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graph.RemoveNode(requestID)
}

// RespondToFSEvents feeds a watcher batch into the graph. Returns true
// if any event reached a watching request, stale or not.
func (t *Tracker) RespondToFSEvents(events []Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.RespondToFSEvents(events)
}

// GetInvalidRequests snapshots the currently stale requests.
func (t *Tracker) GetInvalidRequests() []RequestRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var records []RequestRecord
	for _, id := range t.graph.InvalidRequestIDs() {
		node, err := t.graph.RequestNode(id)
		if err != nil {
			continue
		}
		records = append(records, RequestRecord{ID: id, Type: node.Type(), Input: node.Input()})
	}
	return records
}

// InvalidateUnpredictableNodes marks every unpredictable request stale.
// Called once per process start, before the first build.
func (t *Tracker) InvalidateUnpredictableNodes() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graph.InvalidateUnpredictableNodes()
}

// InvalidateEnvNodes invalidates watchers of environment variables
// whose values differ from their captured ones.
func (t *Tracker) InvalidateEnvNodes(env map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.graph.InvalidateEnvNodes(env)
}

// InvalidateOptionNodes invalidates watchers of options whose current
// hashes differ from their captured ones.
func (t *Tracker) InvalidateOptionNodes(opts map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.InvalidateOptionNodes(opts)
}

// WatchedFilePaths returns the paths of every file node, sorted.
func (t *Tracker) WatchedFilePaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.WatchedFilePaths()
}

// GlobPatterns returns every watched glob pattern, sorted.
func (t *Tracker) GlobPatterns() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.GlobPatterns()
}

// Serialize snapshots the graph and its index sets to bytes.
func (t *Tracker) Serialize() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.graph.Serialize()
}

// Graph exposes the underlying request graph for inspection.
func (t *Tracker) Graph() *RequestGraph {
	return t.graph
}
