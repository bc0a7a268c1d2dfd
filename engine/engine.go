// Package engine implements the small generic finite-state pipeline that the
// finalizer runs a capture through (concatenate -> verify -> upload ->
// record -> ack). A chain of named transitions is registered once at
// startup; each run persists its current step and retry count to bbolt
// before advancing, so a crash between transitions resumes at the last
// committed step instead of restarting the whole pipeline and, in
// particular, never re-uploads or re-acks a capture it already finished.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// Transition is one named step of a machine. Implementations read
// req.Run() to find their retry count via RetryFromContext and to carry the
// prior step's response forward.
type Transition[Req any, Resp any] func(ctx context.Context, req *Request[Req, Resp]) (*Response[Resp], error)

// Run identifies one execution of a machine.
type Run struct {
	ID           string
	StartVersion string
	Step         string
	Retries      int
}

// Request wraps a transition's input together with the run it belongs to
// and the output of whichever transition ran immediately before it.
type Request[Req any, Resp any] struct {
	run   *Run
	Input Req
	Prior Resp
}

// Run returns the identity of the run this request belongs to.
func (r *Request[Req, Resp]) Run() *Run { return r.run }

// Response wraps a transition's output.
type Response[Resp any] struct {
	Output Resp
}

// NewResponse wraps v as a transition's response.
func NewResponse[Resp any](v Resp) *Response[Resp] {
	return &Response[Resp]{Output: v}
}

// abortError stops a run immediately: the machine will not retry the
// current step, and the run is persisted as failed.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort wraps err so the machine stops retrying the current step and marks
// the run failed rather than treating err as a transient, retryable error.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// handoffSignal short-circuits the remaining transitions in a chain: the
// transition that returns it has already produced the run's final output
// (for example because it discovered the work was already done), so the
// machine skips straight to the terminal state instead of running the rest
// of the chain.
type handoffSignal struct{ version string }

func (h *handoffSignal) Error() string { return "engine: handoff at version " + h.version }

// Handoff signals early completion of a run at the given version. An empty
// version is a no-op (returns nil), which lets a transition call
// engine.Handoff(req.Run().StartVersion) unconditionally and only actually
// short-circuit when StartVersion is non-empty.
func Handoff(version string) error {
	if version == "" {
		return nil
	}
	return &handoffSignal{version: version}
}

func asAbort(err error) (*abortError, bool) {
	var a *abortError
	if errors.As(err, &a) {
		return a, true
	}
	return nil, false
}

func asHandoff(err error) (*handoffSignal, bool) {
	var h *handoffSignal
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}

type retryContextKey struct{}

// RetryFromContext returns how many times the current step has already been
// attempted in this run. Transitions use it to bound their own retries and
// return Abort once a ceiling is reached; the engine itself retries
// indefinitely (with backoff) until a transition chooses to abort.
func RetryFromContext(ctx context.Context) int {
	n, _ := ctx.Value(retryContextKey{}).(int)
	return n
}

func withRetryCount(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, retryContextKey{}, n)
}

// Start begins a new run of a machine with the given input and returns its
// final output once every transition has completed.
type Start[Req any, Resp any] func(ctx context.Context, input Req) (Resp, error)

// Resume drives a previously persisted, not-yet-terminal run to completion.
// Manager.PendingRuns lists the run ids bbolt still shows as "running"; the
// process does not call Resume at startup on its own.
type Resume func(ctx context.Context, runID string) error

// Manager owns the bbolt database that backs every registered machine's run
// state. One Manager is shared by every Register call in a process.
type Manager struct {
	db     *bolt.DB
	logger logrus.FieldLogger
}

// NewManager opens (or reuses) db as the engine's run-state store.
func NewManager(db *bolt.DB, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{db: db, logger: logger}
}

// runStatus is the persisted lifecycle state of one run.
type runStatus string

const (
	runStatusRunning  runStatus = "running"
	runStatusComplete runStatus = "complete"
	runStatusFailed   runStatus = "failed"
)

// runRecord is the bbolt-persisted snapshot of a single run. Input/Prior are
// carried as raw JSON so the record can be stored without the machine's
// generic type parameters.
type runRecord struct {
	Machine      string          `json:"machine"`
	RunID        string          `json:"run_id"`
	StartVersion string          `json:"start_version"`
	Step         string          `json:"step"`
	Retries      int             `json:"retries"`
	Status       runStatus       `json:"status"`
	Err          string          `json:"err,omitempty"`
	Input        json.RawMessage `json:"input"`
	Prior        json.RawMessage `json:"prior,omitempty"`
}

func (m *Manager) bucketName(machine string) []byte {
	return []byte("engine/" + machine)
}

func (m *Manager) ensureBucket(machine string) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(m.bucketName(machine))
		return err
	})
}

func (m *Manager) putRecord(rec runRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("engine: marshal run record: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(m.bucketName(rec.Machine))
		if b == nil {
			return fmt.Errorf("engine: unregistered machine %q", rec.Machine)
		}
		return b.Put([]byte(rec.RunID), buf)
	})
}

func (m *Manager) getRecord(machine, runID string) (runRecord, error) {
	var rec runRecord
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(m.bucketName(machine))
		if b == nil {
			return fmt.Errorf("engine: unregistered machine %q", machine)
		}
		buf := b.Get([]byte(runID))
		if buf == nil {
			return fmt.Errorf("engine: no run %q for machine %q", runID, machine)
		}
		return json.Unmarshal(buf, &rec)
	})
	return rec, err
}

// PendingRuns returns the run ids of every not-yet-terminal run persisted
// for machine, for use by a process-startup Resume sweep.
func (m *Manager) PendingRuns(machine string) ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(m.bucketName(machine))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec runRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.Status == runStatusRunning {
				ids = append(ids, rec.RunID)
			}
			return nil
		})
	})
	return ids, err
}

func newRunID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// step is one named transition in a machine's chain.
type step[Req any, Resp any] struct {
	name string
	fn   Transition[Req, Resp]
}

// machine is the built, runnable form of a Builder chain.
type machine[Req any, Resp any] struct {
	manager  *Manager
	name     string
	steps    []step[Req, Resp]
	terminal string
}

func (m *machine[Req, Resp]) stepIndex(name string) int {
	for i, s := range m.steps {
		if s.name == name {
			return i
		}
	}
	return -1
}

func (m *machine[Req, Resp]) run(ctx context.Context, runID string, seed Req) (Resp, error) {
	var zero Resp
	var rec runRecord
	var cur Req = seed
	var prior Resp

	if runID == "" {
		runID = newRunID()
		inputJSON, err := json.Marshal(seed)
		if err != nil {
			return zero, fmt.Errorf("engine: marshal input: %w", err)
		}
		rec = runRecord{
			Machine:      m.name,
			RunID:        runID,
			StartVersion: runID,
			Step:         m.steps[0].name,
			Status:       runStatusRunning,
			Input:        inputJSON,
		}
		if err := m.manager.putRecord(rec); err != nil {
			return zero, err
		}
	} else {
		loaded, err := m.manager.getRecord(m.name, runID)
		if err != nil {
			return zero, err
		}
		rec = loaded
		if rec.Status != runStatusRunning {
			return zero, fmt.Errorf("engine: run %q is already %s", runID, rec.Status)
		}
		if err := json.Unmarshal(rec.Input, &cur); err != nil {
			return zero, fmt.Errorf("engine: unmarshal persisted input: %w", err)
		}
		if len(rec.Prior) > 0 {
			if err := json.Unmarshal(rec.Prior, &prior); err != nil {
				return zero, fmt.Errorf("engine: unmarshal persisted prior response: %w", err)
			}
		}
	}

	idx := m.stepIndex(rec.Step)
	if idx < 0 {
		return zero, fmt.Errorf("engine: run %q references unknown step %q", runID, rec.Step)
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 200 * time.Millisecond
	boff.MaxInterval = 10 * time.Second

	for idx < len(m.steps) {
		s := m.steps[idx]
		req := &Request[Req, Resp]{
			run:   &Run{ID: runID, StartVersion: rec.StartVersion, Step: s.name, Retries: rec.Retries},
			Input: cur,
			Prior: prior,
		}
		attemptCtx := withRetryCount(ctx, rec.Retries)
		resp, err := s.fn(attemptCtx, req)

		if err != nil {
			if ab, ok := asAbort(err); ok {
				rec.Status = runStatusFailed
				rec.Err = ab.Error()
				_ = m.manager.putRecord(rec)
				return zero, ab
			}
			if _, ok := asHandoff(err); ok {
				if resp != nil {
					prior = resp.Output
				}
				rec.Status = runStatusComplete
				rec.Step = m.terminal
				if buf, merr := json.Marshal(prior); merr == nil {
					rec.Prior = buf
				}
				_ = m.manager.putRecord(rec)
				return prior, nil
			}

			rec.Retries++
			_ = m.manager.putRecord(rec)
			m.manager.logger.WithError(err).WithFields(logrus.Fields{
				"machine": m.name, "run_id": runID, "step": s.name, "retries": rec.Retries,
			}).Warn("transition failed, retrying")

			select {
			case <-time.After(boff.NextBackOff()):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			continue
		}

		if resp != nil {
			prior = resp.Output
		}
		rec.Retries = 0
		boff.Reset()
		idx++
		if idx < len(m.steps) {
			rec.Step = m.steps[idx].name
		} else {
			rec.Step = m.terminal
			rec.Status = runStatusComplete
		}
		if buf, merr := json.Marshal(prior); merr == nil {
			rec.Prior = buf
		}
		if err := m.manager.putRecord(rec); err != nil {
			return zero, err
		}
	}

	return prior, nil
}

// Builder assembles a named chain of transitions before Build produces the
// callable Start/Resume pair.
type Builder[Req any, Resp any] struct {
	manager *Manager
	name    string
	steps   []step[Req, Resp]
	end     string
}

// Register begins building a new machine named name, backed by m's bbolt
// store.
func Register[Req any, Resp any](m *Manager, name string) *Builder[Req, Resp] {
	return &Builder[Req, Resp]{manager: m, name: name}
}

// Start names the machine's first transition.
func (b *Builder[Req, Resp]) Start(name string, t Transition[Req, Resp]) *Builder[Req, Resp] {
	b.steps = append(b.steps, step[Req, Resp]{name: name, fn: t})
	return b
}

// To appends the next transition in the chain.
func (b *Builder[Req, Resp]) To(name string, t Transition[Req, Resp]) *Builder[Req, Resp] {
	b.steps = append(b.steps, step[Req, Resp]{name: name, fn: t})
	return b
}

// End names the machine's terminal state, reached once every transition has
// succeeded (or a transition has handed off early).
func (b *Builder[Req, Resp]) End(name string) *Builder[Req, Resp] {
	b.end = name
	return b
}

// Build registers the machine's bbolt bucket and returns its Start and
// Resume entry points.
func (b *Builder[Req, Resp]) Build(ctx context.Context) (Start[Req, Resp], Resume, error) {
	if len(b.steps) == 0 {
		return nil, nil, fmt.Errorf("engine: machine %q has no transitions", b.name)
	}
	if b.end == "" {
		return nil, nil, fmt.Errorf("engine: machine %q has no End state", b.name)
	}
	if err := b.manager.ensureBucket(b.name); err != nil {
		return nil, nil, fmt.Errorf("engine: create bucket for %q: %w", b.name, err)
	}

	mc := &machine[Req, Resp]{manager: b.manager, name: b.name, steps: b.steps, terminal: b.end}

	start := func(ctx context.Context, input Req) (Resp, error) {
		return mc.run(ctx, "", input)
	}
	resume := func(ctx context.Context, runID string) error {
		var zero Req
		_, err := mc.run(ctx, runID, zero)
		return err
	}
	return start, resume, nil
}
