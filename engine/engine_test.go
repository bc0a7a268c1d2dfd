package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

type counterReq struct {
	N int
}

type counterResp struct {
	Total int
}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func addStep(delta int) Transition[counterReq, counterResp] {
	return func(ctx context.Context, req *Request[counterReq, counterResp]) (*Response[counterResp], error) {
		return NewResponse(counterResp{Total: req.Prior.Total + delta}), nil
	}
}

func TestHappyPathRunsEveryTransitionInOrder(t *testing.T) {
	mgr := NewManager(openTestDB(t), nil)
	start, _, err := Register[counterReq, counterResp](mgr, "sum").
		Start("add-1", addStep(1)).
		To("add-10", addStep(10)).
		To("add-100", addStep(100)).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	resp, err := start(context.Background(), counterReq{N: 0})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp.Total != 111 {
		t.Errorf("Total = %d, want 111", resp.Total)
	}
}

func TestTransitionRetriesUntilItAborts(t *testing.T) {
	mgr := NewManager(openTestDB(t), nil)
	const maxRetries = 2
	flaky := func(ctx context.Context, req *Request[counterReq, counterResp]) (*Response[counterResp], error) {
		if RetryFromContext(ctx) >= maxRetries {
			return nil, Abort(errAlwaysFails)
		}
		return nil, errAlwaysFails
	}

	start, _, err := Register[counterReq, counterResp](mgr, "flaky").
		Start("flaky-step", flaky).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	_, err = start(context.Background(), counterReq{})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
}

func TestHandoffShortCircuitsRemainingTransitions(t *testing.T) {
	mgr := NewManager(openTestDB(t), nil)
	ranSecond := false

	first := func(ctx context.Context, req *Request[counterReq, counterResp]) (*Response[counterResp], error) {
		return NewResponse(counterResp{Total: 42}), Handoff(req.Run().StartVersion)
	}
	second := func(ctx context.Context, req *Request[counterReq, counterResp]) (*Response[counterResp], error) {
		ranSecond = true
		return NewResponse(counterResp{Total: req.Prior.Total + 1}), nil
	}

	start, _, err := Register[counterReq, counterResp](mgr, "handoff").
		Start("first", first).
		To("second", second).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	resp, err := start(context.Background(), counterReq{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if ranSecond {
		t.Error("second transition should not have run after handoff")
	}
	if resp.Total != 42 {
		t.Errorf("Total = %d, want 42", resp.Total)
	}
}

func TestPendingRunsListsInFlightRun(t *testing.T) {
	db := openTestDB(t)
	mgr := NewManager(db, nil)

	gate := make(chan struct{})
	blockOnce := func(ctx context.Context, req *Request[counterReq, counterResp]) (*Response[counterResp], error) {
		<-gate
		return NewResponse(counterResp{Total: req.Prior.Total + 7}), nil
	}

	start, _, err := Register[counterReq, counterResp](mgr, "resumable").
		Start("block", blockOnce).
		End("done").
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	done := make(chan struct{})
	go func() {
		start(context.Background(), counterReq{})
		close(done)
	}()

	// Give the run a moment to persist its initial record before we inspect it.
	time.Sleep(50 * time.Millisecond)
	ids, err := mgr.PendingRuns("resumable")
	if err != nil {
		t.Fatalf("PendingRuns: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("PendingRuns = %v, want exactly one pending run", ids)
	}

	close(gate)
	<-done
}

var errAlwaysFails = &testError{"transition always fails"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
