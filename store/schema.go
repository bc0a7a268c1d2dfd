package store

// schemaMigrationsTable is created before any versioned migration runs.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema is migration version 1: devices, configs, captures, chunks,
// commands, audit log, and error records (§3).
const initialSchema = `
CREATE TABLE IF NOT EXISTS devices (
    device_id TEXT PRIMARY KEY,
    company_id TEXT,
    next_wake_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS device_configs (
    device_id TEXT PRIMARY KEY,
    test_mode BOOLEAN NOT NULL DEFAULT 0,
    test_interval_minutes INTEGER NOT NULL DEFAULT 5,
    capture_interval_hours INTEGER NOT NULL DEFAULT 12,
    wakeup_window_sec INTEGER NOT NULL DEFAULT 60,

    FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE,
    CHECK (test_interval_minutes BETWEEN 1 AND 60)
);

CREATE TABLE IF NOT EXISTS captures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    capture_id TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    device_capture_id TEXT NOT NULL,
    image_size INTEGER,
    total_chunk_count INTEGER,
    max_chunk_size INTEGER,
    captured_at DATETIME,
    image_sha256 TEXT,
    sensor_data TEXT,
    ingest_status TEXT NOT NULL DEFAULT 'assembling',
    storage_path TEXT,
    image_url TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE,
    CHECK (ingest_status IN ('assembling', 'success', 'failed'))
);

-- Partial uniqueness: only one assembling capture per (device_id, device_capture_id);
-- finalized rows may coexist if a device later reuses the same image name.
CREATE UNIQUE INDEX IF NOT EXISTS idx_captures_active_key
    ON captures(device_id, device_capture_id)
    WHERE ingest_status = 'assembling';

CREATE INDEX IF NOT EXISTS idx_captures_device_id ON captures(device_id);
CREATE INDEX IF NOT EXISTS idx_captures_ingest_status ON captures(ingest_status);

CREATE TABLE IF NOT EXISTS chunks (
    capture_id TEXT NOT NULL,
    chunk_id INTEGER NOT NULL,
    payload BLOB NOT NULL,
    received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (capture_id, chunk_id),
    FOREIGN KEY (capture_id) REFERENCES captures(capture_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS commands (
    command_id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    command_type TEXT NOT NULL,
    payload TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    requested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sent_at DATETIME,

    CHECK (status IN ('queued', 'sent', 'acknowledged', 'failed'))
);

CREATE INDEX IF NOT EXISTS idx_commands_status_requested_at ON commands(status, requested_at);
CREATE INDEX IF NOT EXISTS idx_commands_device_id ON commands(device_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    topic TEXT NOT NULL,
    direction TEXT NOT NULL,
    payload BLOB,
    received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    CHECK (direction IN ('in', 'out'))
);

CREATE INDEX IF NOT EXISTS idx_audit_log_received_at ON audit_log(received_at);

CREATE TABLE IF NOT EXISTS error_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT,
    capture_id TEXT,
    error_code TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT,
    details TEXT,
    occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_error_records_device_id ON error_records(device_id);
CREATE INDEX IF NOT EXISTS idx_error_records_occurred_at ON error_records(occurred_at);
`

// traceColumns is migration version 2: adds per-run tracing correlation
// columns, mirrored on captures and error_records (SPEC_FULL.md "Supplemented
// Features"), so a trace viewer can join both tables by trace_id.
const traceColumns = `
ALTER TABLE captures ADD COLUMN trace_id TEXT;
ALTER TABLE error_records ADD COLUMN trace_id TEXT;
`
