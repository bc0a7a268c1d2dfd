package assembly

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/store"
)

type fakeStore struct {
	mu         sync.Mutex
	chunks     map[string]map[int][]byte
	failed     map[string]ingest.ErrorCode
	errs       []ingest.ErrorCode
	nextID     int
	byKey      map[string]string // deviceID|imageName -> captureID
	capturedAt map[string]time.Time
	assembling []store.Capture
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chunks: make(map[string]map[int][]byte),
		failed: make(map[string]ingest.ErrorCode),
		byKey:  make(map[string]string),
	}
}

func (f *fakeStore) UpsertCaptureFromMetadata(ctx context.Context, deviceID, imageName string, fields store.CaptureFields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := deviceID + "|" + imageName
	id, ok := f.byKey[key]
	if !ok {
		f.nextID++
		id = "cap_test_" + string(rune('a'+f.nextID))
		f.byKey[key] = id
		f.chunks[id] = make(map[int][]byte)
	}
	if fields.CapturedAt != nil {
		if f.capturedAt == nil {
			f.capturedAt = make(map[string]time.Time)
		}
		f.capturedAt[id] = *fields.CapturedAt
	}
	return id, nil
}

func (f *fakeStore) AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chunks[captureID][chunkID]; !ok {
		f.chunks[captureID][chunkID] = payload
	}
	return nil
}

func (f *fakeStore) InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, code)
	return nil
}

func (f *fakeStore) FailCapture(ctx context.Context, captureID string, code ingest.ErrorCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[captureID] = code
	return nil
}

func (f *fakeStore) ChunkIDs(ctx context.Context, captureID string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int, 0, len(f.chunks[captureID]))
	for id := range f.chunks[captureID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (f *fakeStore) AssemblingCaptures(ctx context.Context) ([]store.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assembling, nil
}

type fakeFinalizer struct {
	mu       sync.Mutex
	calls    []FinalizeRequest
	outcome  Outcome
	done     chan struct{}
}

func (f *fakeFinalizer) Finalize(ctx context.Context, req FinalizeRequest) Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.outcome
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return nil
}

func TestHappyPathCompletesAndFinalizes(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{outcome: OutcomeSuccess, done: make(chan struct{}, 1)}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.RetransmitDelay = time.Hour // keep the timer from firing mid-test

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	size := int64(4)
	count := 2
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{
		ImageName: "a.jpg", ImageSize: &size, TotalChunkCount: &count,
	})

	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{
		ImageName: "a.jpg", ChunkID: 0, Payload: base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8}),
	})
	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{
		ImageName: "a.jpg", ChunkID: 1, Payload: base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD9}),
	})

	select {
	case <-ff.done:
	case <-time.After(time.Second):
		t.Fatal("finalizer never called")
	}

	if mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after successful finalize releases the assembly", mgr.Len())
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{outcome: OutcomeRetryable}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.RetransmitDelay = time.Hour

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	count := 5
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})

	payload := base64.StdEncoding.EncodeToString([]byte{0x01})
	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{ImageName: "a.jpg", ChunkID: 0, Payload: payload})
	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{ImageName: "a.jpg", ChunkID: 0, Payload: payload})

	s := mgr.get("AABBCCDDEEFF", "a.jpg")
	if s == nil {
		t.Fatal("assembly missing")
	}
	if len(s.Bitmap) != 1 {
		t.Errorf("bitmap len = %d, want 1 (duplicate chunk must not double count)", len(s.Bitmap))
	}
}

func TestChunkDecodeFailureRecordsError(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{}
	fp := &fakePublisher{}
	mgr, err := New(DefaultConfig(), fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mgr.HandleChunk(context.Background(), "AABBCCDDEEFF", ingest.ChunkMessage{ImageName: "a.jpg", ChunkID: 0, Payload: "not-base64!!"})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.errs) != 1 || fs.errs[0] != ingest.ErrChunkDecodeFail {
		t.Errorf("errs = %v, want [CHUNK_DECODE_FAIL]", fs.errs)
	}
}

func TestRetransmitPublishesNackForMissingChunks(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.RetransmitDelay = 20 * time.Millisecond
	cfg.RetransmitMax = 3

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	count := 2
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})
	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{ImageName: "a.jpg", ChunkID: 0, Payload: base64.StdEncoding.EncodeToString([]byte{0xFF})})

	time.Sleep(100 * time.Millisecond)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	if len(fp.published) == 0 {
		t.Error("expected at least one NACK publish")
	}
}

func TestPerDeviceCapRejectsNewAssemblyWithOverload(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.MaxAssembliesPer = 1
	cfg.MaxAssembliesTotal = 100

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	count := 5
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "b.jpg", TotalChunkCount: &count})

	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (second image must be rejected by the per-device cap)", mgr.Len())
	}
	if mgr.get("AABBCCDDEEFF", "b.jpg") != nil {
		t.Error("b.jpg should not have been admitted")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.errs) != 1 || fs.errs[0] != ingest.ErrOverload {
		t.Errorf("errs = %v, want [OVERLOAD]", fs.errs)
	}
}

func TestPerDeviceCapAllowsContinuingExistingAssembly(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{outcome: OutcomeRetryable}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.MaxAssembliesPer = 1
	cfg.MaxAssembliesTotal = 100
	cfg.RetransmitDelay = time.Hour

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	count := 5
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})

	payload := base64.StdEncoding.EncodeToString([]byte{0x01})
	mgr.HandleChunk(ctx, "AABBCCDDEEFF", ingest.ChunkMessage{ImageName: "a.jpg", ChunkID: 0, Payload: payload})

	s := mgr.get("AABBCCDDEEFF", "a.jpg")
	if s == nil || len(s.Bitmap) != 1 {
		t.Fatalf("existing assembly should keep accepting chunks once already admitted, got %+v", s)
	}
}

func TestGlobalCapRejectsAcrossDevices(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.MaxAssembliesPer = 100
	cfg.MaxAssembliesTotal = 1

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	count := 5
	mgr.HandleMetadata(ctx, "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})
	mgr.HandleMetadata(ctx, "112233445566", ingest.MetadataMessage{ImageName: "a.jpg", TotalChunkCount: &count})

	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (global cap must reject the second device's capture)", mgr.Len())
	}
}

func TestHandleMetadataParsesCapturedAt(t *testing.T) {
	fs := newFakeStore()
	ff := &fakeFinalizer{}
	fp := &fakePublisher{}
	mgr, err := New(DefaultConfig(), fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := "2026-01-15T10:30:00Z"
	mgr.HandleMetadata(context.Background(), "AABBCCDDEEFF", ingest.MetadataMessage{ImageName: "a.jpg", CaptureTimestamp: &ts})

	fs.mu.Lock()
	defer fs.mu.Unlock()
	id := fs.byKey["AABBCCDDEEFF|a.jpg"]
	got, ok := fs.capturedAt[id]
	if !ok {
		t.Fatal("CapturedAt was never passed through to the store")
	}
	want, _ := time.Parse(time.RFC3339, ts)
	if !got.Equal(want) {
		t.Errorf("CapturedAt = %v, want %v", got, want)
	}
}

func TestParseCapturedAtRejectsGarbage(t *testing.T) {
	garbage := "not-a-timestamp"
	if got := parseCapturedAt(&garbage); got != nil {
		t.Errorf("parseCapturedAt(%q) = %v, want nil", garbage, got)
	}
	if got := parseCapturedAt(nil); got != nil {
		t.Errorf("parseCapturedAt(nil) = %v, want nil", got)
	}
}

func TestRehydrateRebuildsBitmapFromChunkJournal(t *testing.T) {
	fs := newFakeStore()
	fs.chunks["cap_crash_1"] = map[int][]byte{0: {0xFF, 0xD8}}
	count := 2
	size := int64(4)
	fs.assembling = []store.Capture{
		{CaptureID: "cap_crash_1", DeviceID: "AABBCCDDEEFF", DeviceCaptureID: "a.jpg", ImageSize: &size, TotalChunkCount: &count, UpdatedAt: time.Now()},
	}
	ff := &fakeFinalizer{outcome: OutcomeSuccess}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.RetransmitDelay = time.Hour

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	if mgr.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after rehydration", mgr.Len())
	}
	s := mgr.get("AABBCCDDEEFF", "a.jpg")
	if s == nil {
		t.Fatal("rehydrated assembly not found")
	}
	if !s.Bitmap[0] {
		t.Errorf("Bitmap[0] = false, want true (chunk already journaled before the crash)")
	}
	if s.Bitmap[1] {
		t.Errorf("Bitmap[1] = true, want false (chunk never arrived)")
	}

	// The next chunk should complete the capture via the normal path.
	mgr.HandleChunk(context.Background(), "AABBCCDDEEFF", ingest.ChunkMessage{
		ImageName: "a.jpg", ChunkID: 1, Payload: base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD9}),
	})
	if mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after the rehydrated assembly completes", mgr.Len())
	}
}

func TestRehydrateFinalizesAlreadyCompleteCapture(t *testing.T) {
	fs := newFakeStore()
	fs.chunks["cap_crash_2"] = map[int][]byte{0: {0xFF, 0xD8}, 1: {0xFF, 0xD9}}
	count := 2
	fs.assembling = []store.Capture{
		{CaptureID: "cap_crash_2", DeviceID: "AABBCCDDEEFF", DeviceCaptureID: "b.jpg", TotalChunkCount: &count, UpdatedAt: time.Now()},
	}
	ff := &fakeFinalizer{outcome: OutcomeSuccess, done: make(chan struct{}, 1)}
	fp := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.RetransmitDelay = time.Hour

	mgr, err := New(cfg, fs, ff, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}

	select {
	case <-ff.done:
	case <-time.After(time.Second):
		t.Fatal("a capture that was already complete in the chunk journal should finalize during rehydration")
	}
	if mgr.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (finalized immediately, not left waiting on a trigger)", mgr.Len())
	}
}
