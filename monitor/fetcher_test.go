package monitor

import (
	"context"
	"testing"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/store"
)

type fakeRecords struct {
	counts  map[string]int
	queued  int
	errs    []store.ErrorRecord
	failErr error
}

func (f *fakeRecords) CaptureCounts(ctx context.Context) (map[string]int, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.counts, nil
}

func (f *fakeRecords) QueuedCommandCount(ctx context.Context) (int, error) {
	return f.queued, nil
}

func (f *fakeRecords) RecentErrors(ctx context.Context, limit int) ([]store.ErrorRecord, error) {
	return f.errs, nil
}

type fakeAssembly struct{ n int }

func (f *fakeAssembly) Len() int { return f.n }

func TestFetchAssemblesASnapshot(t *testing.T) {
	rs := &fakeRecords{
		counts: map[string]int{"assembling": 2, "success": 10, "failed": 1},
		queued: 3,
		errs:   []store.ErrorRecord{{DeviceID: "AABBCCDDEEFF", Code: ingest.ErrHashMismatch, Message: "boom"}},
	}
	f := NewFetcher(rs, &fakeAssembly{n: 5}, 10)

	snap := f.Fetch(context.Background())

	if snap.InFlight != 5 {
		t.Errorf("InFlight = %d, want 5", snap.InFlight)
	}
	if snap.QueuedCommands != 3 {
		t.Errorf("QueuedCommands = %d, want 3", snap.QueuedCommands)
	}
	if snap.CapturesByStat["success"] != 10 {
		t.Errorf("CapturesByStat[success] = %d, want 10", snap.CapturesByStat["success"])
	}
	if len(snap.RecentErrors) != 1 {
		t.Errorf("RecentErrors = %v, want 1 entry", snap.RecentErrors)
	}
	if snap.Err != nil {
		t.Errorf("Err = %v, want nil", snap.Err)
	}
}

func TestFetchRecordsErrorButKeepsOtherFields(t *testing.T) {
	rs := &fakeRecords{failErr: errBoomFetch, queued: 7}
	f := NewFetcher(rs, &fakeAssembly{n: 1}, 10)

	snap := f.Fetch(context.Background())

	if snap.Err == nil {
		t.Fatal("expected Err to be set")
	}
	if snap.QueuedCommands != 7 {
		t.Errorf("QueuedCommands = %d, want 7 even though CaptureCounts failed", snap.QueuedCommands)
	}
	if snap.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", snap.InFlight)
	}
}

type fetchErr struct{ msg string }

func (e *fetchErr) Error() string { return e.msg }

var errBoomFetch = &fetchErr{"capture counts unavailable"}
