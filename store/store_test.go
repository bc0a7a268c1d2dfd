package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgecam/ingest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "ingest.db")
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDevice(t *testing.T, s *Store, hwID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `INSERT INTO devices (device_id, company_id) VALUES (?, 'acme')`, hwID); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO device_configs (device_id, test_mode, test_interval_minutes) VALUES (?, 1, 5)`, hwID); err != nil {
		t.Fatalf("seed device config: %v", err)
	}
}

func TestResolveDeviceUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.ResolveDevice(context.Background(), "AABBCCDDEEFF"); err != ErrNotFound {
		t.Fatalf("ResolveDevice = %v, want ErrNotFound", err)
	}
}

func TestResolveDeviceKnown(t *testing.T) {
	s := newTestStore(t)
	seedDevice(t, s, "AABBCCDDEEFF")

	d, c, err := s.ResolveDevice(context.Background(), "AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("ResolveDevice: %v", err)
	}
	if d.DeviceID != "AABBCCDDEEFF" || d.NextWakeAt != nil {
		t.Errorf("device = %+v", d)
	}
	if !c.TestMode || c.TestIntervalMinutes != 5 {
		t.Errorf("config = %+v", c)
	}
}

func TestUpsertCaptureStickyFirstNonNull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "AABBCCDDEEFF")

	size := int64(4)
	id1, err := s.UpsertCaptureFromMetadata(ctx, "AABBCCDDEEFF", "a.jpg", CaptureFields{ImageSize: &size})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	otherSize := int64(999)
	count := 2
	id2, err := s.UpsertCaptureFromMetadata(ctx, "AABBCCDDEEFF", "a.jpg", CaptureFields{ImageSize: &otherSize, TotalChunkCount: &count})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("capture id changed across upserts: %s vs %s", id1, id2)
	}

	var gotSize, gotCount int64
	row := s.db.QueryRowContext(ctx, `SELECT image_size, total_chunk_count FROM captures WHERE capture_id = ?`, id1)
	if err := row.Scan(&gotSize, &gotCount); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if gotSize != 4 {
		t.Errorf("image_size = %d, want sticky 4 (first non-null wins)", gotSize)
	}
	if gotCount != 2 {
		t.Errorf("total_chunk_count = %d, want 2 (filled by second message)", gotCount)
	}
}

func TestAppendChunkIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "AABBCCDDEEFF")
	captureID, err := s.UpsertCaptureFromMetadata(ctx, "AABBCCDDEEFF", "a.jpg", CaptureFields{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.AppendChunk(ctx, captureID, 0, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("append chunk: %v", err)
	}
	if err := s.AppendChunk(ctx, captureID, 0, []byte{0xFF, 0xD8}); err != nil {
		t.Fatalf("append duplicate chunk: %v", err)
	}

	ids, err := s.ChunkIDs(ctx, captureID)
	if err != nil {
		t.Fatalf("ChunkIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 0 {
		t.Errorf("chunk ids = %v, want [0]", ids)
	}
}

func TestFinalizeCaptureThenFailIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "AABBCCDDEEFF")
	captureID, err := s.UpsertCaptureFromMetadata(ctx, "AABBCCDDEEFF", "a.jpg", CaptureFields{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.FinalizeCapture(ctx, captureID, "captures/x", "https://example/x", "deadbeef", ingest.SensorData{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := s.FailCapture(ctx, captureID, ingest.ErrJPEGInvalid); err != nil {
		t.Fatalf("fail after finalize: %v", err)
	}

	var status string
	if err := s.db.QueryRowContext(ctx, `SELECT ingest_status FROM captures WHERE capture_id = ?`, captureID).Scan(&status); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if status != "success" {
		t.Errorf("ingest_status = %q, want success (never regress from terminal state)", status)
	}
}

func TestCommandQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedDevice(t, s, "AABBCCDDEEFF")

	if err := s.EnqueueCommand(ctx, "cmd_1", "AABBCCDDEEFF", ingest.CommandCaptureImage, "{}"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	queued, err := s.FetchQueuedCommands(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("queued = %d, want 1", len(queued))
	}

	if err := s.MarkCommandSent(ctx, "cmd_1", time.Now()); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	queued, err = s.FetchQueuedCommands(ctx, 10)
	if err != nil {
		t.Fatalf("fetch after send: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("queued after send = %d, want 0", len(queued))
	}

	acked, err := s.AcknowledgeCommand(ctx, "cmd_1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !acked {
		t.Error("expected command to be acknowledged")
	}
}
