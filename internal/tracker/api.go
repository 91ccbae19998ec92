package tracker

import (
	"context"
	"sort"
	"sync"
)

// RunAPI is the per-run handle a request body uses to declare its
// dependencies and run subrequests. Every mutator scopes to the request
// the handle was created for. Handles are safe for use from multiple
// goroutines so a body may fan out subrequests in parallel.
type RunAPI struct {
	t         *Tracker
	requestID string

	mu          sync.Mutex
	subrequests map[string]struct{}
}

func newRunAPI(t *Tracker, requestID string) *RunAPI {
	return &RunAPI{
		t:           t,
		requestID:   requestID,
		subrequests: make(map[string]struct{}),
	}
}

// InvalidateOnFileUpdate reruns the request when the file's content
// changes.
func (api *RunAPI) InvalidateOnFileUpdate(path string) error {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnFileUpdate(api.requestID, path)
}

// InvalidateOnFileDelete reruns the request when the file disappears.
func (api *RunAPI) InvalidateOnFileDelete(path string) error {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnFileDelete(api.requestID, path)
}

// InvalidateOnFileCreate reruns the request when something matching the
// spec appears on disk.
func (api *RunAPI) InvalidateOnFileCreate(inv FileCreateInvalidation) error {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnFileCreate(api.requestID, inv)
}

// InvalidateOnStartup reruns the request on every process start.
func (api *RunAPI) InvalidateOnStartup() error {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnStartup(api.requestID)
}

// InvalidateOnEnvChange reruns the request when the named environment
// variable changes from its value in the current options.
func (api *RunAPI) InvalidateOnEnvChange(name string) error {
	var value string
	if api.t.options != nil {
		value = api.t.options.EnvValue(name)
	}
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnEnvChange(api.requestID, name, value)
}

// InvalidateOnOptionChange reruns the request when the named option's
// value changes from its value in the current options.
func (api *RunAPI) InvalidateOnOptionChange(name string) error {
	var value interface{}
	if api.t.options != nil {
		value = api.t.options.Get(name)
	}
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.InvalidateOnOptionChange(api.requestID, name, value)
}

// GetInvalidations reports the files and environment variables the
// request currently watches for updates.
func (api *RunAPI) GetInvalidations() []Invalidation {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.GetInvalidations(api.requestID)
}

// StoreResult stores a value on the request node mid-run.
func (api *RunAPI) StoreResult(value interface{}) error {
	api.t.mu.Lock()
	defer api.t.mu.Unlock()
	return api.t.graph.storeResult(api.requestID, value)
}

// RunRequest runs a child request, recording it as a subrequest of this
// run so memoization composes through the graph.
func (api *RunAPI) RunRequest(ctx context.Context, req *Request) (interface{}, error) {
	api.mu.Lock()
	api.subrequests[req.ID] = struct{}{}
	api.mu.Unlock()
	return api.t.RunRequest(ctx, req)
}

// subrequestIDs returns the ids recorded during this run, sorted.
func (api *RunAPI) subrequestIDs() []string {
	api.mu.Lock()
	defer api.mu.Unlock()
	ids := make([]string, 0, len(api.subrequests))
	for id := range api.subrequests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
