// Package store implements the persistence façade described in spec.md
// §4.6: a narrow, idempotent-where-marked set of operations used by every
// other component. It is backed by SQLite (modernc.org/sqlite, no CGO),
// configured the way the teacher's database package configures its own
// SQLite connection — WAL mode, a busy timeout, and versioned migrations
// run transactionally at startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgecam/ingest"
)

// Store wraps a SQLite connection with the façade's operations.
type Store struct {
	db   *sql.DB
	path string
}

// Config configures the underlying SQLite connection.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane pool settings for a single-process daemon.
func DefaultConfig() Config {
	return Config{
		Path:            "/var/lib/ingest/ingest.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// applies performance pragmas, and runs any pending migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, path: cfg.Path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

type migration struct {
	version     int
	description string
	sql         string
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("schema_migrations: %w", err)
	}
	migrations := []migration{
		{version: 1, description: "initial schema", sql: initialSchema},
		{version: 2, description: "trace correlation columns", sql: traceColumns},
	}
	for _, m := range migrations {
		if err := s.runMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) runMigration(m migration) error {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, description) VALUES (?, ?)", m.version, m.description); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

// ErrNotFound is returned by read operations that find no matching row.
var ErrNotFound = fmt.Errorf("store: not found")

// Device is the persisted form of spec.md §3 "Device".
type Device struct {
	DeviceID   string
	CompanyID  string
	NextWakeAt *time.Time
}

// DeviceConfig is the persisted form of spec.md §3 "DeviceConfig".
type DeviceConfig struct {
	DeviceID             string
	TestMode             bool
	TestIntervalMinutes  int
	CaptureIntervalHours int
	WakeupWindowSec      int
}

// ResolveDevice looks up a device and its scheduling config by hardware id.
// It is strict: an unknown id returns ErrNotFound, matching §4.4 step 1's
// UNKNOWN_DEVICE branch.
func (s *Store) ResolveDevice(ctx context.Context, hwID string) (Device, DeviceConfig, error) {
	var d Device
	var nextWake sql.NullTime
	var companyID sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT device_id, company_id, next_wake_at FROM devices WHERE device_id = ?`, hwID)
	if err := row.Scan(&d.DeviceID, &companyID, &nextWake); err != nil {
		if err == sql.ErrNoRows {
			return Device{}, DeviceConfig{}, ErrNotFound
		}
		return Device{}, DeviceConfig{}, fmt.Errorf("resolve device: %w", err)
	}
	d.CompanyID = companyID.String
	if nextWake.Valid {
		t := nextWake.Time
		d.NextWakeAt = &t
	}

	var c DeviceConfig
	c.DeviceID = hwID
	row = s.db.QueryRowContext(ctx, `SELECT test_mode, test_interval_minutes, capture_interval_hours, wakeup_window_sec FROM device_configs WHERE device_id = ?`, hwID)
	if err := row.Scan(&c.TestMode, &c.TestIntervalMinutes, &c.CaptureIntervalHours, &c.WakeupWindowSec); err != nil {
		if err == sql.ErrNoRows {
			return Device{}, DeviceConfig{}, ErrNotFound
		}
		return Device{}, DeviceConfig{}, fmt.Errorf("resolve device config: %w", err)
	}
	return d, c, nil
}

// AllDevices returns every device and every device config row, for
// devicecache's periodic refresh. Callers join the two slices by DeviceID.
func (s *Store) AllDevices(ctx context.Context) ([]Device, []DeviceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, company_id, next_wake_at FROM devices`)
	if err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var companyID sql.NullString
		var nextWake sql.NullTime
		if err := rows.Scan(&d.DeviceID, &companyID, &nextWake); err != nil {
			return nil, nil, fmt.Errorf("scan device: %w", err)
		}
		d.CompanyID = companyID.String
		if nextWake.Valid {
			t := nextWake.Time
			d.NextWakeAt = &t
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}

	cfgRows, err := s.db.QueryContext(ctx, `SELECT device_id, test_mode, test_interval_minutes, capture_interval_hours, wakeup_window_sec FROM device_configs`)
	if err != nil {
		return nil, nil, fmt.Errorf("list device configs: %w", err)
	}
	defer cfgRows.Close()

	var configs []DeviceConfig
	for cfgRows.Next() {
		var c DeviceConfig
		if err := cfgRows.Scan(&c.DeviceID, &c.TestMode, &c.TestIntervalMinutes, &c.CaptureIntervalHours, &c.WakeupWindowSec); err != nil {
			return nil, nil, fmt.Errorf("scan device config: %w", err)
		}
		configs = append(configs, c)
	}
	if err := cfgRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list device configs: %w", err)
	}

	return devices, configs, nil
}

// UpdateNextWake persists a device's next scheduled wake time (§4.4 step 4).
func (s *Store) UpdateNextWake(ctx context.Context, deviceID string, t time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET next_wake_at = ?, updated_at = CURRENT_TIMESTAMP WHERE device_id = ?`, t.UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("update next_wake_at: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update next_wake_at: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CaptureFields carries the nullable metadata fields an UpsertCaptureFromMetadata
// call may supply. Nil fields are left untouched on an existing row, per the
// "sticky first non-null" rule (§4.2).
type CaptureFields struct {
	ImageSize       *int64
	TotalChunkCount *int
	MaxChunkSize    *int
	CapturedAt      *time.Time
	SHA256          *string
	Sensor          *ingest.SensorData
}

// Capture is the persisted form of spec.md §3 "Capture".
type Capture struct {
	CaptureID       string
	DeviceID        string
	DeviceCaptureID string
	ImageSize       *int64
	TotalChunkCount *int
	MaxChunkSize    *int
	CapturedAt      *time.Time
	SHA256          *string
	Sensor          ingest.SensorData
	IngestStatus    ingest.IngestStatus
	StoragePath     *string
	ImageURL        *string
	UpdatedAt       time.Time
}

// UpsertCaptureFromMetadata implements §4.6's upsert_capture_from_metadata
// and §4.2's "first sighting" / "sticky first non-null" rules. It returns
// the capture id, minting one if this is the first sighting of the
// (device_id, device_capture_id) pair while it is still assembling.
func (s *Store) UpsertCaptureFromMetadata(ctx context.Context, deviceID, deviceCaptureID string, fields CaptureFields) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var captureID string
	var existing Capture
	row := tx.QueryRowContext(ctx, `
		SELECT capture_id, image_size, total_chunk_count, max_chunk_size, captured_at, image_sha256, sensor_data
		FROM captures WHERE device_id = ? AND device_capture_id = ? AND ingest_status = 'assembling'`,
		deviceID, deviceCaptureID)

	var imageSize, maxChunkSize, totalChunkCount sql.NullInt64
	var capturedAt sql.NullTime
	var sha sql.NullString
	var sensorJSON sql.NullString
	err = row.Scan(&captureID, &imageSize, &totalChunkCount, &maxChunkSize, &capturedAt, &sha, &sensorJSON)

	switch {
	case err == sql.ErrNoRows:
		captureID = ingest.NewCaptureID()
		existing = Capture{}
	case err != nil:
		return "", fmt.Errorf("lookup capture: %w", err)
	default:
		if imageSize.Valid {
			v := imageSize.Int64
			existing.ImageSize = &v
		}
		if totalChunkCount.Valid {
			v := int(totalChunkCount.Int64)
			existing.TotalChunkCount = &v
		}
		if maxChunkSize.Valid {
			v := int(maxChunkSize.Int64)
			existing.MaxChunkSize = &v
		}
		if capturedAt.Valid {
			v := capturedAt.Time
			existing.CapturedAt = &v
		}
		if sha.Valid {
			v := sha.String
			existing.SHA256 = &v
		}
		if sensorJSON.Valid && sensorJSON.String != "" {
			_ = json.Unmarshal([]byte(sensorJSON.String), &existing.Sensor)
		}
	}

	// Sticky first non-null: only fill fields not already set.
	if existing.ImageSize == nil {
		existing.ImageSize = fields.ImageSize
	}
	if existing.TotalChunkCount == nil {
		existing.TotalChunkCount = fields.TotalChunkCount
	}
	if existing.MaxChunkSize == nil {
		existing.MaxChunkSize = fields.MaxChunkSize
	}
	if existing.CapturedAt == nil {
		existing.CapturedAt = fields.CapturedAt
	}
	if existing.SHA256 == nil {
		existing.SHA256 = fields.SHA256
	}
	if fields.Sensor != nil {
		existing.Sensor.MergeStickyFirstNonNull(*fields.Sensor)
	}

	sensorBytes, err := json.Marshal(existing.Sensor)
	if err != nil {
		return "", fmt.Errorf("marshal sensor data: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO captures (capture_id, device_id, device_capture_id, image_size, total_chunk_count, max_chunk_size, captured_at, image_sha256, sensor_data, ingest_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'assembling')
		ON CONFLICT(capture_id) DO UPDATE SET
			image_size = excluded.image_size,
			total_chunk_count = excluded.total_chunk_count,
			max_chunk_size = excluded.max_chunk_size,
			captured_at = excluded.captured_at,
			image_sha256 = excluded.image_sha256,
			sensor_data = excluded.sensor_data,
			updated_at = CURRENT_TIMESTAMP`,
		captureID, deviceID, deviceCaptureID,
		nullableInt64(existing.ImageSize), nullableInt(existing.TotalChunkCount), nullableInt(existing.MaxChunkSize),
		nullableTime(existing.CapturedAt), nullableString(existing.SHA256), string(sensorBytes))
	if err != nil {
		return "", fmt.Errorf("upsert capture: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return captureID, nil
}

// AppendChunk implements §4.6's append_chunk: a no-op if the chunk id is
// already journaled for this capture.
func (s *Store) AppendChunk(ctx context.Context, captureID string, chunkID int, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (capture_id, chunk_id, payload) VALUES (?, ?, ?)
		ON CONFLICT(capture_id, chunk_id) DO NOTHING`,
		captureID, chunkID, payload)
	if err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	return nil
}

// ChunkIDs returns the set of chunk ids currently journaled for a capture,
// used to rebuild the assembly bitmap on process restart.
func (s *Store) ChunkIDs(ctx context.Context, captureID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chunk_id FROM chunks WHERE capture_id = ? ORDER BY chunk_id ASC`, captureID)
	if err != nil {
		return nil, fmt.Errorf("chunk ids: %w", err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("chunk ids scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConcatenatedChunks returns the journaled chunk bytes for a capture,
// concatenated in ascending chunk_id order (§4.3 step 1).
func (s *Store) ConcatenatedChunks(ctx context.Context, captureID string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM chunks WHERE capture_id = ? ORDER BY chunk_id ASC`, captureID)
	if err != nil {
		return nil, fmt.Errorf("concatenated chunks: %w", err)
	}
	defer rows.Close()
	var buf []byte
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("concatenated chunks scan: %w", err)
		}
		buf = append(buf, payload...)
	}
	return buf, rows.Err()
}

// FinalizeCapture implements §4.6's finalize_capture: status -> success
// atomically, with storage path, public URL, hash, and a final sensor merge.
func (s *Store) FinalizeCapture(ctx context.Context, captureID, storagePath, imageURL, sha string, sensor ingest.SensorData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var existingJSON sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT sensor_data FROM captures WHERE capture_id = ?`, captureID).Scan(&existingJSON); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("lookup sensor data: %w", err)
	}
	var merged ingest.SensorData
	if existingJSON.Valid && existingJSON.String != "" {
		_ = json.Unmarshal([]byte(existingJSON.String), &merged)
	}
	merged.MergeStickyFirstNonNull(sensor)
	mergedBytes, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal sensor data: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE captures SET
			ingest_status = 'success',
			storage_path = ?,
			image_url = ?,
			image_sha256 = ?,
			sensor_data = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE capture_id = ? AND ingest_status = 'assembling'`,
		storagePath, imageURL, sha, string(mergedBytes), captureID)
	if err != nil {
		return fmt.Errorf("finalize capture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize capture: %w", err)
	}
	if n == 0 {
		// Either unknown or already terminal; both are fine for an
		// idempotent retry of step 7.
		return nil
	}
	return tx.Commit()
}

// FailCapture implements §4.6's fail_capture: status -> failed. Idempotent;
// a capture already terminal is left untouched.
func (s *Store) FailCapture(ctx context.Context, captureID string, code ingest.ErrorCode) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE captures SET ingest_status = 'failed', updated_at = CURRENT_TIMESTAMP
		WHERE capture_id = ? AND ingest_status = 'assembling'`, captureID)
	if err != nil {
		return fmt.Errorf("fail capture: %w", err)
	}
	return nil
}

// AssemblingCaptures returns every capture still in ingest_status='assembling',
// for the assembly manager's startup rehydration sweep (§4.3/§5): a process
// restart leaves these rows behind in SQLite with no in-memory counterpart,
// so they need their bitmap rebuilt from the chunk journal before they can
// be retried or aged out.
func (s *Store) AssemblingCaptures(ctx context.Context) ([]Capture, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capture_id, device_id, device_capture_id, image_size, total_chunk_count, max_chunk_size, captured_at, image_sha256, sensor_data, storage_path, image_url, updated_at
		FROM captures WHERE ingest_status = 'assembling'`)
	if err != nil {
		return nil, fmt.Errorf("assembling captures: %w", err)
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		var c Capture
		var imageSize, totalChunkCount, maxChunkSize sql.NullInt64
		var capturedAt sql.NullTime
		var sha, storagePath, imageURL, sensorJSON sql.NullString
		if err := rows.Scan(&c.CaptureID, &c.DeviceID, &c.DeviceCaptureID, &imageSize, &totalChunkCount, &maxChunkSize,
			&capturedAt, &sha, &sensorJSON, &storagePath, &imageURL, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("assembling captures scan: %w", err)
		}
		if imageSize.Valid {
			v := imageSize.Int64
			c.ImageSize = &v
		}
		if totalChunkCount.Valid {
			v := int(totalChunkCount.Int64)
			c.TotalChunkCount = &v
		}
		if maxChunkSize.Valid {
			v := int(maxChunkSize.Int64)
			c.MaxChunkSize = &v
		}
		if capturedAt.Valid {
			v := capturedAt.Time
			c.CapturedAt = &v
		}
		if sha.Valid {
			v := sha.String
			c.SHA256 = &v
		}
		if storagePath.Valid {
			v := storagePath.String
			c.StoragePath = &v
		}
		if imageURL.Valid {
			v := imageURL.String
			c.ImageURL = &v
		}
		if sensorJSON.Valid && sensorJSON.String != "" {
			_ = json.Unmarshal([]byte(sensorJSON.String), &c.Sensor)
		}
		c.IngestStatus = ingest.IngestStatusAssembling
		out = append(out, c)
	}
	return out, rows.Err()
}

// Command is the persisted form of spec.md §3 "Command".
type Command struct {
	CommandID   string
	DeviceID    string
	CommandType ingest.CommandType
	Payload     string
	Status      ingest.CommandStatus
	RequestedAt time.Time
	SentAt      *time.Time
}

// FetchQueuedCommands implements §4.6's fetch_queued_commands, ordered by
// requested_at ascending.
func (s *Store) FetchQueuedCommands(ctx context.Context, limit int) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, device_id, command_type, payload, status, requested_at, sent_at
		FROM commands WHERE status = 'queued' ORDER BY requested_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch queued commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		var sentAt sql.NullTime
		if err := rows.Scan(&c.CommandID, &c.DeviceID, &c.CommandType, &c.Payload, &c.Status, &c.RequestedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("fetch queued commands scan: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			c.SentAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkCommandSent implements §4.6's mark_command_sent, committed only after
// the publish succeeds so a crash never loses a command; a crash between the
// publish and this call leaves it queued, and it is published again.
func (s *Store) MarkCommandSent(ctx context.Context, commandID string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = 'sent', sent_at = ? WHERE command_id = ? AND status = 'queued'`,
		ts, commandID)
	if err != nil {
		return fmt.Errorf("mark command sent: %w", err)
	}
	return nil
}

// AcknowledgeCommand flips a command to acknowledged when a device ack
// names it by command_id (§4.5). Unmatched ids are the caller's concern to
// log and drop.
func (s *Store) AcknowledgeCommand(ctx context.Context, commandID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE commands SET status = 'acknowledged' WHERE command_id = ?`, commandID)
	if err != nil {
		return false, fmt.Errorf("acknowledge command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledge command: %w", err)
	}
	return n > 0, nil
}

// EnqueueCommand inserts an operator-injected command in the queued state.
func (s *Store) EnqueueCommand(ctx context.Context, commandID, deviceID string, commandType ingest.CommandType, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, device_id, command_type, payload, status, requested_at)
		VALUES (?, ?, ?, ?, 'queued', CURRENT_TIMESTAMP)`,
		commandID, deviceID, commandType, payload)
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// InsertDeviceStatus implements §4.6's insert_device_status: append-only.
func (s *Store) InsertDeviceStatus(ctx context.Context, deviceID, status string, pendingImg int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (topic, direction, payload, received_at)
		VALUES (?, 'in', ?, CURRENT_TIMESTAMP)`,
		fmt.Sprintf("DEVICE/%s/status", deviceID),
		fmt.Sprintf(`{"status":%q,"pendingImg":%d}`, status, pendingImg))
	if err != nil {
		return fmt.Errorf("insert device status: %w", err)
	}
	return nil
}

// InsertError implements §4.6's insert_error (§3 "Error record").
func (s *Store) InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message string, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_records (device_id, capture_id, error_code, severity, message, details, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		deviceID, nullableString(captureID), string(code), string(ingest.SeverityOf(code)), message, details)
	if err != nil {
		return fmt.Errorf("insert error: %w", err)
	}
	return nil
}

// AppendAudit implements §4.6's append_audit: append-only.
func (s *Store) AppendAudit(ctx context.Context, topic string, dir ingest.Direction, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (topic, direction, payload, received_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		topic, string(dir), payload)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

// ErrorRecord is one row of the error_records table, read back for the
// monitor's recent-errors panel.
type ErrorRecord struct {
	DeviceID   string
	CaptureID  string
	Code       ingest.ErrorCode
	Message    string
	OccurredAt time.Time
}

// RecentErrors returns the most recent error records, newest first, capped
// at limit.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id, capture_id, error_code, message, occurred_at
		FROM error_records ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRecord
	for rows.Next() {
		var r ErrorRecord
		var deviceID, captureID sql.NullString
		var code string
		if err := rows.Scan(&deviceID, &captureID, &code, &r.Message, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan error record: %w", err)
		}
		r.DeviceID = deviceID.String
		r.CaptureID = captureID.String
		r.Code = ingest.ErrorCode(code)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CaptureCounts returns the number of captures in each ingest_status value,
// for the monitor's summary panel.
func (s *Store) CaptureCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ingest_status, COUNT(*) FROM captures GROUP BY ingest_status`)
	if err != nil {
		return nil, fmt.Errorf("capture counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan capture count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// QueuedCommandCount returns how many commands are currently status=queued.
func (s *Store) QueuedCommandCount(ctx context.Context) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE status = 'queued'`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queued command count: %w", err)
	}
	return n, nil
}
