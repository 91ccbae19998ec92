package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func newTestTracker() *Tracker {
	return New(Config{})
}

// countingRequest returns a request whose body bumps a counter and
// returns the given value, declaring an update watch on path.
func countingRequest(id, path string, runs *int, value interface{}) *Request {
	return &Request{
		ID:   id,
		Type: "test_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			*runs++
			if path != "" {
				if err := run.API.InvalidateOnFileUpdate(path); err != nil {
					return nil, err
				}
			}
			return value, nil
		},
	}
}

func TestRunRequest_Memoizes(t *testing.T) {
	tr := newTestTracker()
	runs := 0
	req := countingRequest("r1", "/a/b.js", &runs, 42)

	for i := 0; i < 3; i++ {
		result, err := tr.RunRequest(context.Background(), req)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if result != 42 {
			t.Fatalf("run %d: expected 42, got %v", i, result)
		}
	}

	if runs != 1 {
		t.Errorf("expected 1 execution, got %d", runs)
	}
	if !tr.HasValidResult("r1") {
		t.Error("expected valid result after run")
	}
}

func TestRunRequest_FileUpdateForcesRerun(t *testing.T) {
	tr := newTestTracker()
	runs := 0
	req := countingRequest("r1", "/a/b.js", &runs, 42)

	if _, err := tr.RunRequest(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	changed := tr.RespondToFSEvents([]Event{{Path: "/a/b.js", Type: EventUpdate}})
	if !changed {
		t.Error("expected responder to report change")
	}
	if tr.HasValidResult("r1") {
		t.Error("expected result to be stale after file update")
	}

	fresh := countingRequest("r1", "/a/b.js", &runs, 43)
	result, err := tr.RunRequest(context.Background(), fresh)
	if err != nil {
		t.Fatal(err)
	}
	if result != 43 {
		t.Errorf("expected fresh result 43, got %v", result)
	}
	if runs != 2 {
		t.Errorf("expected 2 executions, got %d", runs)
	}
}

func TestRunRequest_FailureThenRecovery(t *testing.T) {
	tr := newTestTracker()
	runs := 0

	// First run succeeds watching /x.js for updates.
	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "/x.js", &runs, "ok")); err != nil {
		t.Fatal(err)
	}
	tr.RespondToFSEvents([]Event{{Path: "/x.js", Type: EventUpdate}})

	// The rerun fails before declaring anything, as a body does when
	// the file it wants to read is gone. Its prior declarations were
	// cleared on start.
	fail := &Request{
		ID:   "r1",
		Type: "test_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			return nil, fmt.Errorf("open /x.js: no such file")
		},
	}
	if _, err := tr.RunRequest(context.Background(), fail); err == nil {
		t.Fatal("expected failure to propagate")
	}
	if tr.HasValidResult("r1") {
		t.Error("expected failed request to be invalid")
	}

	// The file reappearing finds no remaining edges, so the event
	// invalidates nothing; the request is simply still stale.
	if changed := tr.RespondToFSEvents([]Event{{Path: "/x.js", Type: EventCreate}}); changed {
		t.Error("expected create event to find no watchers after the failed run")
	}
	if tr.HasValidResult("r1") {
		t.Error("expected request to stay stale until the next run")
	}

	result, err := tr.RunRequest(context.Background(), countingRequest("r1", "/x.js", &runs, "recovered"))
	if err != nil {
		t.Fatal(err)
	}
	if result != "recovered" {
		t.Errorf("expected recovery result, got %v", result)
	}
	if !tr.HasValidResult("r1") {
		t.Error("expected valid result after recovery")
	}
}

func TestRunRequest_SubrequestsReconciled(t *testing.T) {
	tr := newTestTracker()
	childRuns := 0

	parent := &Request{
		ID:   "parent",
		Type: "parent_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			child := countingRequest("child", "/c.js", &childRuns, "leaf")
			if _, err := run.API.RunRequest(ctx, child); err != nil {
				return nil, err
			}
			return "root", nil
		},
	}

	if _, err := tr.RunRequest(context.Background(), parent); err != nil {
		t.Fatal(err)
	}

	if got := tr.graph.g.NodeIDsFrom("parent", EdgeSubrequest); len(got) != 1 || got[0] != "child" {
		t.Errorf("expected subrequest edge to child, got %v", got)
	}

	// A rerun that runs a different child replaces the fan-out.
	tr.RespondToFSEvents([]Event{{Path: "/c.js", Type: EventUpdate}})
	other := &Request{
		ID:   "parent",
		Type: "parent_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			child := countingRequest("child2", "", new(int), "leaf2")
			if _, err := run.API.RunRequest(ctx, child); err != nil {
				return nil, err
			}
			return "root2", nil
		},
	}
	if _, err := tr.RunRequest(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	if got := tr.graph.g.NodeIDsFrom("parent", EdgeSubrequest); len(got) != 1 || got[0] != "child2" {
		t.Errorf("expected replaced subrequest edges, got %v", got)
	}
}

func TestRunRequest_SubrequestFailure(t *testing.T) {
	tr := newTestTracker()

	parent := &Request{
		ID:   "parent",
		Type: "parent_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			child := &Request{
				ID:   "child",
				Type: "child_request",
				Run: func(ctx context.Context, run RunInput) (interface{}, error) {
					return nil, fmt.Errorf("child exploded")
				},
			}
			return run.API.RunRequest(ctx, child)
		},
	}

	if _, err := tr.RunRequest(context.Background(), parent); err == nil {
		t.Fatal("expected parent to fail")
	}

	// Both stale, and the fan-out still reflects the attempted run.
	if tr.HasValidResult("parent") || tr.HasValidResult("child") {
		t.Error("expected both requests to be invalid")
	}
	if !isInvalid(tr.graph, "parent") || !isInvalid(tr.graph, "child") {
		t.Error("expected both ids in the invalid set")
	}
	if got := tr.graph.g.NodeIDsFrom("parent", EdgeSubrequest); len(got) != 1 || got[0] != "child" {
		t.Errorf("expected subrequest edge despite failure, got %v", got)
	}
}

func TestRunRequest_Abort(t *testing.T) {
	tr := newTestTracker()

	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{
		ID:   "r1",
		Type: "test_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			cancel()
			return "ignored", nil
		},
	}

	_, err := tr.RunRequest(ctx, req)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if tr.HasValidResult("r1") {
		t.Error("expected aborted request to be invalid")
	}
}

func TestRunRequest_BodyErrorWrapped(t *testing.T) {
	tr := newTestTracker()
	cause := errors.New("domain problem")
	req := &Request{
		ID:   "r1",
		Type: "test_request",
		Run: func(ctx context.Context, run RunInput) (interface{}, error) {
			return nil, cause
		},
	}

	_, err := tr.RunRequest(context.Background(), req)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if errors.Is(err, ErrAborted) {
		t.Error("expected domain failure, not abort")
	}
}

func TestRunRequest_ClearsPriorDeclarations(t *testing.T) {
	tr := newTestTracker()
	runs := 0

	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "/old.js", &runs, 1)); err != nil {
		t.Fatal(err)
	}
	tr.RespondToFSEvents([]Event{{Path: "/old.js", Type: EventUpdate}})

	// The rerun declares a different watch; the old one must be gone.
	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "/new.js", &runs, 2)); err != nil {
		t.Fatal(err)
	}

	if changed := tr.RespondToFSEvents([]Event{{Path: "/old.js", Type: EventUpdate}}); changed {
		t.Error("expected stale watch to be cleared by the rerun")
	}
	if !tr.HasValidResult("r1") {
		t.Error("expected request to stay valid")
	}
	if changed := tr.RespondToFSEvents([]Event{{Path: "/new.js", Type: EventUpdate}}); !changed {
		t.Error("expected fresh watch to be active")
	}
}

func TestRunRequest_NoDeclarations(t *testing.T) {
	tr := newTestTracker()
	runs := 0
	req := countingRequest("r1", "", &runs, "bare")

	tr.RunRequest(context.Background(), req)
	tr.RunRequest(context.Background(), req)
	if runs != 1 {
		t.Errorf("expected memoization without declarations, got %d runs", runs)
	}

	tr.graph.InvalidateNode("r1")
	tr.RunRequest(context.Background(), req)
	if runs != 2 {
		t.Errorf("expected rerun after manual invalidation, got %d runs", runs)
	}
}

func TestGetInvalidRequests(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "/a.js", new(int), 1)); err != nil {
		t.Fatal(err)
	}

	if got := tr.GetInvalidRequests(); len(got) != 0 {
		t.Errorf("expected no invalid requests, got %v", got)
	}

	tr.RespondToFSEvents([]Event{{Path: "/a.js", Type: EventUpdate}})

	got := tr.GetInvalidRequests()
	if len(got) != 1 || got[0].ID != "r1" || got[0].Type != "test_request" {
		t.Errorf("expected r1 record, got %v", got)
	}
}

func TestRemoveRequest(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "/a.js", new(int), 1)); err != nil {
		t.Fatal(err)
	}

	tr.RemoveRequest("r1")

	if tr.HasValidResult("r1") {
		t.Error("expected no valid result after removal")
	}
	if _, err := tr.GetRequestResult("r1"); !errors.Is(err, ErrNoSuchRequest) {
		t.Errorf("expected ErrNoSuchRequest, got %v", err)
	}
}

func TestStoreAndGetResult(t *testing.T) {
	tr := newTestTracker()
	if _, err := tr.RunRequest(context.Background(), countingRequest("r1", "", new(int), "initial")); err != nil {
		t.Fatal(err)
	}

	if err := tr.StoreResult("r1", "replaced"); err != nil {
		t.Fatal(err)
	}
	result, err := tr.GetRequestResult("r1")
	if err != nil {
		t.Fatal(err)
	}
	if result != "replaced" {
		t.Errorf("expected replaced result, got %v", result)
	}
}
