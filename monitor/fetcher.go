package monitor

import (
	"context"
	"time"

	"github.com/edgecam/ingest/store"
)

// RecordSource is the narrow read-only persistence surface the dashboard
// pulls from. *store.Store satisfies it directly.
type RecordSource interface {
	CaptureCounts(ctx context.Context) (map[string]int, error)
	QueuedCommandCount(ctx context.Context) (int, error)
	RecentErrors(ctx context.Context, limit int) ([]store.ErrorRecord, error)
}

// AssemblySource reports how many reassemblies are currently in flight.
// assembly.Manager satisfies it via its existing Len method.
type AssemblySource interface {
	Len() int
}

// Snapshot is one refresh's worth of dashboard data.
type Snapshot struct {
	FetchedAt      time.Time
	CapturesByStat map[string]int
	QueuedCommands int
	InFlight       int
	RecentErrors   []store.ErrorRecord
	Err            error
}

// Fetcher assembles a Snapshot from the record store and the assembly
// manager, mirroring the teacher's own DataFetcher: pull from every source,
// degrade gracefully (record the error, keep whatever succeeded) rather than
// failing the whole refresh.
type Fetcher struct {
	records   RecordSource
	assembly  AssemblySource
	errLimit  int
}

// NewFetcher builds a Fetcher. errLimit bounds how many recent error rows
// are pulled per refresh.
func NewFetcher(records RecordSource, assembly AssemblySource, errLimit int) *Fetcher {
	if errLimit <= 0 {
		errLimit = 20
	}
	return &Fetcher{records: records, assembly: assembly, errLimit: errLimit}
}

// Fetch pulls a fresh Snapshot. A failure on any one query is recorded on
// Snapshot.Err but does not block the others from populating.
func (f *Fetcher) Fetch(ctx context.Context) Snapshot {
	snap := Snapshot{FetchedAt: time.Now()}

	if f.assembly != nil {
		snap.InFlight = f.assembly.Len()
	}

	counts, err := f.records.CaptureCounts(ctx)
	if err != nil {
		snap.Err = err
	} else {
		snap.CapturesByStat = counts
	}

	queued, err := f.records.QueuedCommandCount(ctx)
	if err != nil {
		snap.Err = err
	} else {
		snap.QueuedCommands = queued
	}

	errs, err := f.records.RecentErrors(ctx, f.errLimit)
	if err != nil {
		snap.Err = err
	} else {
		snap.RecentErrors = errs
	}

	return snap
}
