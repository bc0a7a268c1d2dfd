// Package finalizer implements the nine-step pipeline that turns a complete
// in-memory assembly into a terminal Capture record (spec.md §4.3):
// concatenate, verify, upload, record, and acknowledge. The pipeline runs on
// the generic engine, which persists each run's progress in bbolt; interrupted
// runs are not resumed from that record. After a restart the assembly manager
// rehydrates the still-assembling capture and a fresh run starts again from
// the concatenate step.
package finalizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecam/ingest"
	"github.com/edgecam/ingest/assembly"
	"github.com/edgecam/ingest/engine"
	"github.com/edgecam/ingest/metrics"
)

// Retry ceilings per transition, in the teacher's MaxRetries* idiom: each
// step checks its own attempt count and aborts once it's exhausted, rather
// than letting the engine retry forever.
const (
	MaxRetriesConcatenate = 3
	MaxRetriesUpload      = 3
	MaxRetriesUpdateDB    = 5
)

// Blobs is the narrow object-storage contract the upload step needs.
type Blobs interface {
	Put(ctx context.Context, path string, buf []byte) error
	PublicURL(path string) string
}

// ChunkReader reads back a capture's concatenated chunk bytes in ascending
// chunk_id order.
type ChunkReader interface {
	ConcatenatedChunks(ctx context.Context, captureID string) ([]byte, error)
}

// RecordStore is the subset of the persistence façade the finalizer writes
// to directly.
type RecordStore interface {
	ChunkReader
	FinalizeCapture(ctx context.Context, captureID, storagePath, imageURL, sha string, sensor ingest.SensorData) error
	FailCapture(ctx context.Context, captureID string, code ingest.ErrorCode) error
	InsertError(ctx context.Context, deviceID string, captureID *string, code ingest.ErrorCode, message, details string) error
}

// Acker publishes the device-ACK named in §4.3 step 8.
type Acker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config tunes the size-mismatch tolerance the design notes flag as
// configurable (§9 "Open questions").
type Config struct {
	// StrictSizeMatch is carried in the config but the pipeline does not
	// consult it: checkSize always treats a length that differs from the
	// declared image_size as a SeverityWarn SIZE_MISMATCH record (§7's
	// taxonomy marks it as warn, and warnings never terminate a capture)
	// and the pipeline proceeds.
	StrictSizeMatch bool
	// NextWakeSource supplies the device-ACK's next_wake_time field. The
	// finalizer does not own scheduling; the daemon wires a source that
	// reports the device's persisted next_wake_at.
	NextWakeSource func(ctx context.Context, deviceID string) string
}

// DefaultConfig returns a Config with StrictSizeMatch set (which checkSize
// does not read) and a NextWakeSource that reports an empty string.
func DefaultConfig() Config {
	return Config{StrictSizeMatch: true, NextWakeSource: func(ctx context.Context, deviceID string) string { return "" }}
}

// domainFailure is a pure, non-retryable verdict: re-running the same bytes
// through the same check can never produce a different answer.
type domainFailure struct {
	code ingest.ErrorCode
	err  error
}

func (d *domainFailure) Error() string { return d.err.Error() }
func (d *domainFailure) Unwrap() error { return d.err }

// infraFailure is a transient, environment-caused failure (a DB hiccup, an
// S3 outage). The finalizer leaves the capture assembling so a later
// completion trigger or process restart can retry it, per §4.3's "any
// failure between steps 5 and 7 must leave the system in a recoverable
// state".
type infraFailure struct {
	code ingest.ErrorCode
	err  error
}

func (i *infraFailure) Error() string { return i.err.Error() }
func (i *infraFailure) Unwrap() error { return i.err }

// stepState threads the growing pipeline state (buffer, computed hash,
// storage location) through the chain; Input on the request carries the
// immutable parts of the original FinalizeRequest.
type stepState struct {
	Buf         []byte
	SHA256      string
	StoragePath string
	PublicURL   string
}

type pipelineInput struct {
	CaptureID    string
	DeviceID     string
	ImageName    string
	DeclaredSize *int64
	DeclaredSHA  *string
	Sensor       ingest.SensorData
}

// Finalizer implements assembly.Finalizer.
type Finalizer struct {
	cfg    Config
	store  RecordStore
	blobs  Blobs
	acker  Acker
	logger logrus.FieldLogger

	start engine.Start[pipelineInput, stepState]
}

// New builds a Finalizer and registers its transition chain with mgr.
func New(cfg Config, mgr *engine.Manager, store RecordStore, blobs Blobs, acker Acker, logger logrus.FieldLogger) (*Finalizer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.NextWakeSource == nil {
		cfg.NextWakeSource = func(ctx context.Context, deviceID string) string { return "" }
	}
	f := &Finalizer{cfg: cfg, store: store, blobs: blobs, acker: acker, logger: logger}

	start, _, err := engine.Register[pipelineInput, stepState](mgr, "finalize-capture").
		Start("concatenate", f.concatenate).
		To("check-size", f.checkSize).
		To("check-jpeg", f.checkJPEG).
		To("check-hash", f.checkHash).
		To("upload", f.upload).
		To("resolve-url", f.resolveURL).
		To("update-record", f.updateRecord).
		To("ack", f.ack).
		End("released").
		Build(context.Background())
	if err != nil {
		return nil, fmt.Errorf("finalizer: register pipeline: %w", err)
	}
	f.start = start
	return f, nil
}

// Finalize drives req through the nine-step pipeline and classifies the
// outcome for the assembly manager.
func (f *Finalizer) Finalize(ctx context.Context, req assembly.FinalizeRequest) assembly.Outcome {
	input := pipelineInput{
		CaptureID:    req.CaptureID,
		DeviceID:     req.DeviceID,
		ImageName:    req.ImageName,
		DeclaredSize: req.DeclaredSize,
		DeclaredSHA:  req.DeclaredSHA,
		Sensor:       req.Sensor,
	}

	_, err := f.start(ctx, input)
	if err == nil {
		return assembly.OutcomeSuccess
	}

	var df *domainFailure
	if asDomainFailure(err, &df) {
		f.logger.WithFields(logrus.Fields{"capture_id": req.CaptureID, "error_code": df.code}).Warn("finalize failed a domain check, marking capture failed")
		if ferr := f.store.FailCapture(ctx, req.CaptureID, df.code); ferr != nil {
			f.logger.WithError(ferr).Error("failed to persist terminal capture failure")
		}
		metrics.ErrorsByCode.WithLabelValues(string(df.code)).Inc()
		if ferr := f.store.InsertError(ctx, req.DeviceID, &req.CaptureID, df.code, df.Error(), ""); ferr != nil {
			f.logger.WithError(ferr).Error("failed to persist error record")
		}
		return assembly.OutcomeTerminalFailure
	}

	var ifl *infraFailure
	if asInfraFailure(err, &ifl) {
		f.logger.WithFields(logrus.Fields{"capture_id": req.CaptureID, "error_code": ifl.code}).Error("finalize hit a transient failure, leaving capture assembling for retry")
		metrics.ErrorsByCode.WithLabelValues(string(ifl.code)).Inc()
		if ferr := f.store.InsertError(ctx, req.DeviceID, &req.CaptureID, ifl.code, ifl.Error(), ""); ferr != nil {
			f.logger.WithError(ferr).Error("failed to persist error record")
		}
		return assembly.OutcomeRetryable
	}

	f.logger.WithError(err).WithField("capture_id", req.CaptureID).Error("finalize pipeline returned an unclassified error")
	return assembly.OutcomeRetryable
}

func asDomainFailure(err error, out **domainFailure) bool {
	for err != nil {
		if d, ok := err.(*domainFailure); ok {
			*out = d
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func asInfraFailure(err error, out **infraFailure) bool {
	for err != nil {
		if i, ok := err.(*infraFailure); ok {
			*out = i
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// concatenate is step 1: read the chunk journal back in chunk_id order.
// A read failure is infrastructure, not a verdict, so it's retried.
func (f *Finalizer) concatenate(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	if engine.RetryFromContext(ctx) >= MaxRetriesConcatenate {
		return nil, engine.Abort(&infraFailure{code: ingest.ErrCaptureUpdateFail, err: fmt.Errorf("exceeded maximum retries (%d) reading chunk journal", MaxRetriesConcatenate)})
	}
	buf, err := f.store.ConcatenatedChunks(ctx, req.Input.CaptureID)
	if err != nil {
		return nil, fmt.Errorf("read chunk journal: %w", err)
	}
	return engine.NewResponse(stepState{Buf: buf}), nil
}

// checkSize is step 2. Per the fixed §7 taxonomy SIZE_MISMATCH is a warning,
// not a terminating error, so a mismatch is logged and recorded as an error
// record here but never aborts the pipeline.
func (f *Finalizer) checkSize(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	if req.Input.DeclaredSize != nil && int64(len(req.Prior.Buf)) != *req.Input.DeclaredSize {
		f.logger.WithFields(logrus.Fields{
			"capture_id": req.Input.CaptureID, "assembled_bytes": len(req.Prior.Buf), "declared_bytes": *req.Input.DeclaredSize,
		}).Warn("assembled buffer length does not match declared image_size")
		metrics.ErrorsByCode.WithLabelValues(string(ingest.ErrSizeMismatch)).Inc()
		if err := f.store.InsertError(ctx, req.Input.DeviceID, &req.Input.CaptureID, ingest.ErrSizeMismatch, "assembled buffer length does not match declared image_size", ""); err != nil {
			f.logger.WithError(err).Error("failed to persist size mismatch warning")
		}
	}
	return engine.NewResponse(req.Prior), nil
}

// checkJPEG is step 3: framing is a pure, non-retryable verdict.
func (f *Finalizer) checkJPEG(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	if !ingest.LooksLikeJPEG(req.Prior.Buf) {
		return nil, engine.Abort(&domainFailure{code: ingest.ErrJPEGInvalid, err: fmt.Errorf("buffer of %d bytes does not begin/end with JPEG SOI/EOI markers", len(req.Prior.Buf))})
	}
	return engine.NewResponse(req.Prior), nil
}

// checkHash is step 4: the hash is computed from the actual buffer bytes,
// never from a stale value, matching §9's design note on the reference's
// empty-string-hash bug.
func (f *Finalizer) checkHash(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	sum := sha256.Sum256(req.Prior.Buf)
	computed := hex.EncodeToString(sum[:])
	if req.Input.DeclaredSHA != nil && !strings.EqualFold(computed, *req.Input.DeclaredSHA) {
		return nil, engine.Abort(&domainFailure{code: ingest.ErrHashMismatch, err: fmt.Errorf("computed sha256 %s does not match declared %s", computed, *req.Input.DeclaredSHA)})
	}
	st := req.Prior
	st.SHA256 = computed
	return engine.NewResponse(st), nil
}

// upload is step 5. A failure here must leave the capture assembling
// (§4.3's recoverability sentence), so it is classified infra, not domain,
// once the bounded engine-level retries are exhausted.
func (f *Finalizer) upload(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	if engine.RetryFromContext(ctx) >= MaxRetriesUpload {
		return nil, engine.Abort(&infraFailure{code: ingest.ErrStorageUploadFail, err: fmt.Errorf("exceeded maximum retries (%d) uploading blob", MaxRetriesUpload)})
	}
	now := time.Now().UTC()
	path := ingest.BlobPath(req.Input.DeviceID, now.Year(), int(now.Month()), now.Day(), req.Input.ImageName)
	if err := f.blobs.Put(ctx, path, req.Prior.Buf); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	st := req.Prior
	st.StoragePath = path
	return engine.NewResponse(st), nil
}

// resolveURL is step 6.
func (f *Finalizer) resolveURL(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	st := req.Prior
	st.PublicURL = f.blobs.PublicURL(st.StoragePath)
	return engine.NewResponse(st), nil
}

// updateRecord is step 7: the atomic transition to ingest_status=success.
// Also infra-classified per the recoverability sentence.
func (f *Finalizer) updateRecord(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	if engine.RetryFromContext(ctx) >= MaxRetriesUpdateDB {
		return nil, engine.Abort(&infraFailure{code: ingest.ErrCaptureUpdateFail, err: fmt.Errorf("exceeded maximum retries (%d) updating capture record", MaxRetriesUpdateDB)})
	}
	if err := f.store.FinalizeCapture(ctx, req.Input.CaptureID, req.Prior.StoragePath, req.Prior.PublicURL, req.Prior.SHA256, req.Input.Sensor); err != nil {
		return nil, fmt.Errorf("finalize capture record: %w", err)
	}
	return engine.NewResponse(req.Prior), nil
}

// ack is step 8: publish the device-ACK. A publish failure does not roll
// back the already-committed success record; it's logged and swallowed,
// since the device will simply not hear back and can re-probe via its next
// status message.
func (f *Finalizer) ack(ctx context.Context, req *engine.Request[pipelineInput, stepState]) (*engine.Response[stepState], error) {
	nextWake := f.cfg.NextWakeSource(ctx, req.Input.DeviceID)
	payload := ingest.NewServerAckOK(req.Input.ImageName, nextWake)
	buf, err := marshalAck(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal device ack: %w", err)
	}
	topic := fmt.Sprintf("DEVICE/%s/ack", req.Input.DeviceID)
	if err := f.acker.Publish(ctx, topic, buf); err != nil {
		f.logger.WithError(err).WithField("device_id", req.Input.DeviceID).Warn("device ack publish failed")
	}
	return engine.NewResponse(req.Prior), nil
}

func marshalAck(v ingest.ServerAckOK) ([]byte, error) {
	return json.Marshal(v)
}
