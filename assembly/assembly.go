// Package assembly implements the per-(device, image-name) reassembly state
// machine described in spec.md §4.2: it tracks a chunk bitmap, drives the
// timeout-based retransmit/NACK loop, and triggers the finalizer once an
// image is complete. In-memory state lives in a hashicorp/go-memdb table,
// the same role the teacher's code gives an in-process lookup structure,
// chosen here over a plain map because the reaper's age-out scan and the
// per-device handler both need concurrent, snapshot-consistent reads
// without hand-rolled locking.
package assembly

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sirupsen/logrus"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/metrics"
	"github.com/edgecam/ingest/store"
)

const tableAssembly = "assembly"

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableAssembly: {
				Name: tableAssembly,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "DeviceID"},
								&memdb.StringFieldIndex{Field: "ImageName"},
							},
						},
					},
					"last_activity": {
						Name:    "last_activity",
						Indexer: &memdb.IntFieldIndex{Field: "LastActivityUnixNano"},
					},
				},
			},
		},
	}
}

// state is the in-memory assembly record (§3 "Assembly (in-memory)").
// memdb treats records as immutable once inserted; every mutation copies,
// modifies, and re-inserts, matching memdb's copy-on-write discipline.
type state struct {
	DeviceID             string
	ImageName            string
	CaptureID            string
	ExpectedSize         *int64
	TotalChunkCount      *int
	MaxChunkSize         *int
	DeclaredSHA256       *string
	Sensor               ingest.SensorData
	Bitmap               map[int]bool
	CreatedAt            time.Time
	LastActivityUnixNano int64
	RetransmitArmedNano  int64
	RetransmitAttempts   int
	PendingFinalize      bool
}

func (s *state) clone() *state {
	cp := *s
	cp.Bitmap = make(map[int]bool, len(s.Bitmap))
	for k, v := range s.Bitmap {
		cp.Bitmap[k] = v
	}
	return &cp
}

func (s *state) lastActivity() time.Time {
	return time.Unix(0, s.LastActivityUnixNano)
}

// Finalizer is the narrow contract the finalizer component exposes to the
// assembly manager (§4.3). Outcome tells the manager whether to release
// the in-memory assembly or leave it for a later retry.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest) Outcome
}

// FinalizeRequest carries everything the finalizer needs; it reads the
// actual chunk bytes from the persistence façade itself rather than having
// them threaded through the manager.
type FinalizeRequest struct {
	CaptureID    string
	DeviceID     string
	ImageName    string
	DeclaredSize *int64
	DeclaredSHA  *string
	Sensor       ingest.SensorData
}

// Outcome classifies how a finalize attempt ended.
type Outcome int

const (
	// OutcomeSuccess means the capture reached ingest_status=success.
	OutcomeSuccess Outcome = iota
	// OutcomeTerminalFailure means the capture reached ingest_status=failed
	// and will never be retried (bad JPEG framing, hash mismatch).
	OutcomeTerminalFailure
	// OutcomeRetryable means a transient failure (storage, record update)
	// left the capture assembling; the manager keeps the in-memory
	// assembly so a later completion trigger (a repeated metadata message,
	// or rehydration after a restart) can retry; the reaper ages it out
	// otherwise.
	OutcomeRetryable
)

// Publisher is the transport surface used to emit NACKs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CaptureStore is the subset of store.Store the manager calls directly.
type CaptureStore interface {
	UpsertCaptureFromMetadata(ctx context.Context, deviceID, deviceCaptureID string, fields store.CaptureFields) (string, error)
	AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) error
	InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message, details string) error
	FailCapture(ctx context.Context, captureID string, code ingest.ErrorCode) error
	ChunkIDs(ctx context.Context, captureID string) ([]int, error)
	AssemblingCaptures(ctx context.Context) ([]store.Capture, error)
}

// Config tunes the retransmit loop and resource caps (§4.2, §5, §6).
type Config struct {
	RetransmitDelay    time.Duration
	RetransmitMax      int
	CaptureTimeout     time.Duration
	MaxImageBytes      int64
	MaxAssembliesTotal int
	MaxAssembliesPer   int
	ReaperInterval     time.Duration
}

// DefaultConfig mirrors the defaults named throughout spec.md §4.2/§5/§6.
func DefaultConfig() Config {
	return Config{
		RetransmitDelay:    ingest.DefaultRetransmitDelay,
		RetransmitMax:      ingest.DefaultRetransmitMax,
		CaptureTimeout:     ingest.DefaultCaptureTimeout,
		MaxImageBytes:      ingest.DefaultMaxImageBytes,
		MaxAssembliesTotal: 512,
		MaxAssembliesPer:   4,
		ReaperInterval:     ingest.DefaultReaperInterval,
	}
}

// Manager is the assembly manager (§4.2). One Manager serves every device;
// calls for a single hw id are expected to arrive already serialized by the
// caller (the router's per-device dispatch goroutine), so Manager itself
// only needs to protect the shared memdb table, not per-device ordering.
type Manager struct {
	cfg       Config
	db        *memdb.MemDB
	store     CaptureStore
	finalizer Finalizer
	pubsub    Publisher
	logger    logrus.FieldLogger

	mu           sync.Mutex // serializes memdb write transactions
	overloadLast map[string]time.Time

	stopReaper chan struct{}
}

// New builds a Manager. Call Start to launch the reaper.
func New(cfg Config, store CaptureStore, finalizer Finalizer, pubsub Publisher, logger logrus.FieldLogger) (*Manager, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("assembly: new memdb: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		cfg:          cfg,
		db:           db,
		store:        store,
		finalizer:    finalizer,
		pubsub:       pubsub,
		logger:       logger,
		overloadLast: make(map[string]time.Time),
		stopReaper:   make(chan struct{}),
	}, nil
}

// Start rehydrates any captures left assembling by a prior process, then
// launches the reaper and retransmit background loops.
func (m *Manager) Start(ctx context.Context) {
	if err := m.rehydrate(ctx); err != nil {
		m.logger.WithError(err).Error("assembly: rehydration failed")
	}
	go m.reaperLoop(ctx)
}

// rehydrate implements the crash-recovery half of §4.3/§5: a capture left
// "assembling" in the store when the process died has no in-memory
// counterpart after restart, so the reaper would never see it and a
// completing chunk would have nothing to merge into. It rebuilds each such
// capture's bitmap from the chunk journal (store.ChunkIDs) and reinserts it,
// so the next chunk or metadata arrival can complete it normally and the
// reaper ages it out on schedule if none ever arrives. A capture that
// happens to already be complete from journaled chunks alone is finalized
// immediately rather than waiting on a trigger that may never come.
func (m *Manager) rehydrate(ctx context.Context) error {
	captures, err := m.store.AssemblingCaptures(ctx)
	if err != nil {
		return fmt.Errorf("list assembling captures: %w", err)
	}

	for _, c := range captures {
		ids, err := m.store.ChunkIDs(ctx, c.CaptureID)
		if err != nil {
			m.logger.WithError(err).WithFields(logrus.Fields{"capture_id": c.CaptureID}).
				Error("rehydrate: chunk ids failed")
			continue
		}
		bitmap := make(map[int]bool, len(ids))
		for _, id := range ids {
			bitmap[id] = true
		}
		lastActivity := c.UpdatedAt
		if lastActivity.IsZero() {
			lastActivity = time.Now()
		}
		m.put(&state{
			DeviceID:             c.DeviceID,
			ImageName:            c.DeviceCaptureID,
			CaptureID:            c.CaptureID,
			ExpectedSize:         c.ImageSize,
			TotalChunkCount:      c.TotalChunkCount,
			MaxChunkSize:         c.MaxChunkSize,
			DeclaredSHA256:       c.SHA256,
			Sensor:               c.Sensor,
			Bitmap:               bitmap,
			CreatedAt:            lastActivity,
			LastActivityUnixNano: lastActivity.UnixNano(),
		})
		m.logger.WithFields(logrus.Fields{"device_id": c.DeviceID, "image_name": c.DeviceCaptureID, "chunks": len(ids)}).
			Info("rehydrated assembling capture from restart")
		m.maybeComplete(ctx, c.DeviceID, c.DeviceCaptureID)
	}
	return nil
}

// Stop halts background loops.
func (m *Manager) Stop() {
	close(m.stopReaper)
}

func (m *Manager) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopReaper:
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

// reapOnce implements §4.2 "Reaper": ages out assemblies whose last
// activity exceeds CaptureTimeout.
func (m *Manager) reapOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.CaptureTimeout)

	m.mu.Lock()
	txn := m.db.Txn(false)
	it, err := txn.Get(tableAssembly, "id")
	if err != nil {
		txn.Abort()
		m.mu.Unlock()
		m.logger.WithError(err).Error("reaper: scan failed")
		return
	}
	var stale []*state
	for raw := it.Next(); raw != nil; raw = it.Next() {
		s := raw.(*state)
		if s.lastActivity().Before(cutoff) {
			stale = append(stale, s.clone())
		}
	}
	txn.Abort()
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.WithFields(logrus.Fields{"device_id": s.DeviceID, "image_name": s.ImageName}).
			Warn("assembly timed out")
		if err := m.store.FailCapture(ctx, s.CaptureID, ingest.ErrAssemblyTimeout); err != nil {
			m.logger.WithError(err).Error("reaper: fail_capture failed")
		}
		_ = m.store.InsertError(ctx, s.DeviceID, &s.CaptureID, ingest.ErrAssemblyTimeout, "assembly aged out", s.ImageName)
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrAssemblyTimeout)).Inc()
		m.release(s.DeviceID, s.ImageName)
	}
}

// HandleMetadata implements §4.2's metadata-arrival rules, including
// "sticky first non-null" (applied by the persistence façade and mirrored
// here in the in-memory copy so the retransmit loop sees the same totals).
func (m *Manager) HandleMetadata(ctx context.Context, hwID string, msg ingest.MetadataMessage) {
	if m.get(hwID, msg.ImageName) == nil && !m.admitNew(hwID) {
		m.emitRateLimited(ctx, hwID, ingest.ErrOverload, "concurrent assembly cap exceeded")
		return
	}

	sensor := sensorFromMetadata(msg)
	capturedAt := parseCapturedAt(msg.CaptureTimestamp)

	captureID, err := m.store.UpsertCaptureFromMetadata(ctx, hwID, msg.ImageName, store.CaptureFields{
		ImageSize:       msg.ImageSize,
		TotalChunkCount: msg.TotalChunkCount,
		MaxChunkSize:    msg.MaxChunkSize,
		CapturedAt:      capturedAt,
		SHA256:          msg.SHA256,
		Sensor:          &sensor,
	})
	if err != nil {
		m.logger.WithError(err).Error("upsert capture from metadata failed")
		_ = m.store.InsertError(ctx, hwID, nil, ingest.ErrCaptureUpdateFail, err.Error(), msg.ImageName)
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrCaptureUpdateFail)).Inc()
		return
	}
	metrics.MetadataReceived.Inc()

	s := m.getOrCreate(hwID, msg.ImageName, captureID)
	s = s.clone()
	if s.ExpectedSize == nil {
		s.ExpectedSize = msg.ImageSize
	}
	if s.TotalChunkCount == nil {
		s.TotalChunkCount = msg.TotalChunkCount
	}
	if s.MaxChunkSize == nil {
		s.MaxChunkSize = msg.MaxChunkSize
	}
	if s.DeclaredSHA256 == nil {
		s.DeclaredSHA256 = msg.SHA256
	}
	s.Sensor.MergeStickyFirstNonNull(sensor)
	now := time.Now().UnixNano()
	s.LastActivityUnixNano = now
	s.RetransmitArmedNano = now
	m.put(s)

	m.maybeComplete(ctx, s.DeviceID, s.ImageName)
	m.scheduleRetransmit(s.DeviceID, s.ImageName, now)
}

// HandleChunk implements §4.2's chunk-arrival rules.
func (m *Manager) HandleChunk(ctx context.Context, hwID string, msg ingest.ChunkMessage) {
	payload, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		_ = m.store.InsertError(ctx, hwID, nil, ingest.ErrChunkDecodeFail, err.Error(), msg.ImageName)
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrChunkDecodeFail)).Inc()
		metrics.ChunksReceived.WithLabelValues("rejected").Inc()
		return
	}

	if m.get(hwID, msg.ImageName) == nil && !m.admitNew(hwID) {
		m.emitRateLimited(ctx, hwID, ingest.ErrOverload, "concurrent assembly cap exceeded")
		metrics.ChunksReceived.WithLabelValues("rejected").Inc()
		return
	}

	captureID, err := m.store.UpsertCaptureFromMetadata(ctx, hwID, msg.ImageName, store.CaptureFields{})
	if err != nil {
		m.logger.WithError(err).Error("ensure capture for chunk failed")
		_ = m.store.InsertError(ctx, hwID, nil, ingest.ErrCaptureUpdateFail, err.Error(), msg.ImageName)
		return
	}

	s := m.getOrCreate(hwID, msg.ImageName, captureID)
	s = s.clone()

	if s.TotalChunkCount != nil && msg.ChunkID >= *s.TotalChunkCount {
		_ = m.store.InsertError(ctx, hwID, &captureID, ingest.ErrChunkOutOfRange, "chunk_id out of declared range", msg.ImageName)
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrChunkOutOfRange)).Inc()
		metrics.ChunksReceived.WithLabelValues("rejected").Inc()
		return
	}
	if s.Bitmap[msg.ChunkID] {
		// Already recorded; idempotent drop.
		metrics.ChunksReceived.WithLabelValues("duplicate").Inc()
		return
	}

	projectedSize := int64(len(s.Bitmap)+1) * int64(msg.MaxChunkSize)
	if msg.MaxChunkSize > 0 && projectedSize > m.cfg.MaxImageBytes {
		m.emitRateLimited(ctx, hwID, ingest.ErrOverload, "chunk buffer would exceed MAX_IMAGE_BYTES")
		metrics.ChunksReceived.WithLabelValues("rejected").Inc()
		return
	}

	if err := m.store.AppendChunk(ctx, captureID, msg.ChunkID, payload); err != nil {
		m.logger.WithError(err).Error("append chunk failed")
		return
	}
	metrics.ChunksReceived.WithLabelValues("accepted").Inc()

	s.Bitmap[msg.ChunkID] = true
	if s.MaxChunkSize == nil && msg.MaxChunkSize > 0 {
		v := msg.MaxChunkSize
		s.MaxChunkSize = &v
	}
	// A previously-missing chunk arriving resets the retransmit counter
	// (§4.2 "The counter resets only when at least one previously-missing
	// chunk arrives between two ticks").
	s.RetransmitAttempts = 0
	now := time.Now().UnixNano()
	s.LastActivityUnixNano = now
	s.RetransmitArmedNano = now
	m.put(s)

	m.maybeComplete(ctx, s.DeviceID, s.ImageName)
	m.scheduleRetransmit(s.DeviceID, s.ImageName, now)
}

// maybeComplete implements §4.2's completion check and, on success, calls
// the finalizer.
func (m *Manager) maybeComplete(ctx context.Context, hwID, imageName string) {
	s := m.get(hwID, imageName)
	if s == nil || s.TotalChunkCount == nil {
		return
	}
	n := *s.TotalChunkCount
	if len(s.Bitmap) != n {
		return
	}
	if !s.Bitmap[0] || !s.Bitmap[n-1] {
		return
	}

	req := FinalizeRequest{
		CaptureID:    s.CaptureID,
		DeviceID:     s.DeviceID,
		ImageName:    s.ImageName,
		DeclaredSize: s.ExpectedSize,
		DeclaredSHA:  s.DeclaredSHA256,
		Sensor:       s.Sensor,
	}
	ctx, endSpan := metrics.StartCaptureSpan(ctx, s.CaptureID, s.DeviceID, s.ImageName)
	started := time.Now()
	outcome := m.finalizer.Finalize(ctx, req)
	endSpan()
	switch outcome {
	case OutcomeSuccess, OutcomeTerminalFailure:
		metrics.FinalizeLatency.WithLabelValues(outcomeLabel(outcome)).Observe(time.Since(started).Seconds())
		m.release(hwID, imageName)
	case OutcomeRetryable:
		metrics.FinalizeLatency.WithLabelValues(outcomeLabel(outcome)).Observe(time.Since(started).Seconds())
		cp := s.clone()
		cp.PendingFinalize = true
		m.put(cp)
	}
}

func outcomeLabel(o Outcome) string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTerminalFailure:
		return "terminal_failure"
	default:
		return "retryable"
	}
}

// admitNew enforces §5 "Resource caps": maximum concurrent assemblies
// globally and per device. Existing assemblies always continue regardless
// of the caps; only the creation of a brand-new one is gated.
func (m *Manager) admitNew(hwID string) bool {
	if m.cfg.MaxAssembliesTotal > 0 && m.Len() >= m.cfg.MaxAssembliesTotal {
		return false
	}
	if m.cfg.MaxAssembliesPer > 0 && m.countForDevice(hwID) >= m.cfg.MaxAssembliesPer {
		return false
	}
	return true
}

// countForDevice reports how many in-flight assemblies belong to hwID.
func (m *Manager) countForDevice(hwID string) int {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAssembly, "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if raw.(*state).DeviceID == hwID {
			n++
		}
	}
	return n
}

// getOrCreate implements §4.2 "On first sighting of a name... create the
// Capture record".
func (m *Manager) getOrCreate(hwID, imageName, captureID string) *state {
	if s := m.get(hwID, imageName); s != nil {
		return s
	}
	now := time.Now()
	s := &state{
		DeviceID:             hwID,
		ImageName:            imageName,
		CaptureID:            captureID,
		Bitmap:               make(map[int]bool),
		CreatedAt:            now,
		LastActivityUnixNano: now.UnixNano(),
	}
	m.put(s)
	return s
}

func (m *Manager) get(hwID, imageName string) *state {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(tableAssembly, "id", hwID, imageName)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*state).clone()
}

func (m *Manager) put(s *state) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := m.db.Txn(true)
	if err := txn.Insert(tableAssembly, s); err != nil {
		txn.Abort()
		m.logger.WithError(err).Error("assembly: memdb insert failed")
		return
	}
	txn.Commit()
	metrics.AssembliesInFlight.Set(float64(m.Len()))
}

func (m *Manager) release(hwID, imageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := m.db.Txn(true)
	raw, err := txn.First(tableAssembly, "id", hwID, imageName)
	if err == nil && raw != nil {
		txn.Delete(tableAssembly, raw)
	}
	txn.Commit()
	metrics.AssembliesInFlight.Set(float64(m.Len()))
}

// Len reports the number of in-flight assemblies, for tests and the
// monitor CLI.
func (m *Manager) Len() int {
	txn := m.db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(tableAssembly, "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

func (m *Manager) emitRateLimited(ctx context.Context, hwID string, code ingest.ErrorCode, message string) {
	m.mu.Lock()
	last, ok := m.overloadLast[hwID]
	shouldLog := !ok || time.Since(last) >= time.Minute
	if shouldLog {
		m.overloadLast[hwID] = time.Now()
	}
	m.mu.Unlock()
	if shouldLog {
		_ = m.store.InsertError(ctx, hwID, nil, code, message, "")
	}
}

// parseCapturedAt parses the device's ISO-8601 capture_timeStamp (§6). A
// missing or malformed timestamp leaves the capture's captured_at unset
// rather than failing metadata processing outright.
func parseCapturedAt(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, *raw); err == nil {
			return &t
		}
	}
	return nil
}

func sensorFromMetadata(msg ingest.MetadataMessage) ingest.SensorData {
	return ingest.SensorData{
		TemperatureC: msg.Temperature,
		HumidityPct:  msg.Humidity,
		PressureHPa:  msg.Pressure,
		GasKOhm:      msg.GasResistance,
	}
}

// scheduleRetransmit arms a one-shot timer RetransmitDelay from now. At
// fire time it only acts if no newer activity has superseded this arming
// (compared by the activity nanosecond it was armed with), so overlapping
// timers from rapid chunk arrivals collapse into the single most recent
// one rather than stacking (§4.2 "a timer fires at RETRANSMIT_DELAY after
// each last-activity tick").
func (m *Manager) scheduleRetransmit(hwID, imageName string, armedNano int64) {
	time.AfterFunc(m.cfg.RetransmitDelay, func() {
		m.retransmitTick(hwID, imageName, armedNano)
	})
}

func (m *Manager) retransmitTick(hwID, imageName string, armedNano int64) {
	s := m.get(hwID, imageName)
	if s == nil {
		return // released (completed, failed, or reaped) since this timer was armed
	}
	if s.RetransmitArmedNano != armedNano {
		return // superseded by a newer tick armed after this one
	}
	if s.TotalChunkCount == nil {
		return // nothing to compute a missing-set from yet; reaper will age this out
	}

	n := *s.TotalChunkCount
	if len(s.Bitmap) >= n {
		return // already complete; maybeComplete will have triggered or is about to
	}

	ctx := context.Background()
	s.RetransmitAttempts++
	if s.RetransmitAttempts > m.cfg.RetransmitMax {
		m.logger.WithFields(logrus.Fields{"device_id": hwID, "image_name": imageName}).
			Warn("retransmit budget exhausted")
		if err := m.store.FailCapture(ctx, s.CaptureID, ingest.ErrAssemblyRetransmitExhaust); err != nil {
			m.logger.WithError(err).Error("fail_capture failed")
		}
		_ = m.store.InsertError(ctx, hwID, &s.CaptureID, ingest.ErrAssemblyRetransmitExhaust, "retransmit budget exhausted", imageName)
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrAssemblyRetransmitExhaust)).Inc()
		metrics.RetransmitRounds.WithLabelValues("exhausted").Inc()
		m.release(hwID, imageName)
		return
	}

	var missing []int
	for i := 0; i < n; i++ {
		if !s.Bitmap[i] {
			missing = append(missing, i)
		}
	}

	nack := ingest.ServerNACK{ImageName: imageName, MissingChunks: missing}
	payload, err := json.Marshal(nack)
	if err == nil {
		topic := fmt.Sprintf("DEVICE/%s/ack", hwID)
		if err := m.pubsub.Publish(ctx, topic, payload); err != nil {
			m.logger.WithError(err).Warn("publish nack failed")
		}
	}
	metrics.RetransmitRounds.WithLabelValues("rearmed").Inc()

	now := time.Now().UnixNano()
	s.RetransmitArmedNano = now
	m.put(s)
	m.scheduleRetransmit(hwID, imageName, now)
}
