package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/backend/pkg/queue"
	"github.com/classmesh/backend/pkg/storage"
)

// RecordingStore persists the S3 result onto the class row.
type RecordingStore interface {
	SetRecording(ctx context.Context, id uuid.UUID, ref, url string) error
}

// Uploader streams a recording blob to object storage.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// RecordingProcessor moves spooled recording files to S3 and records the
// result on the class. Failures degrade to accounting only; the class
// lifecycle is never blocked on an upload.
type RecordingProcessor struct {
	store  RecordingStore
	s3     Uploader
	queue  *queue.Queue
	logger *zap.Logger
}

// NewRecordingProcessor creates a recording upload processor.
func NewRecordingProcessor(store RecordingStore, s3 Uploader, q *queue.Queue, logger *zap.Logger) *RecordingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordingProcessor{store: store, s3: s3, queue: q, logger: logger}
}

// Process executes one recording upload job.
func (p *RecordingProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRecordingUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RecordingUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	f, err := os.Open(payload.SpoolPath)
	if err != nil {
		return fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat spool file: %w", err)
	}

	key := storage.RecordingKey(payload.SessionID.String(), payload.UploadID)
	s3URL, err := p.s3.Upload(ctx, key, payload.ContentType, f, info.Size())
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.store.SetRecording(ctx, payload.SessionID, key, s3URL); err != nil {
		p.logger.Error("set recording failed", zap.Error(err), zap.String("session_id", payload.SessionID.String()))
		return fmt.Errorf("update db: %w", err)
	}

	if err := os.Remove(payload.SpoolPath); err != nil {
		p.logger.Warn("spool cleanup failed", zap.Error(err), zap.String("path", payload.SpoolPath))
	}
	p.logger.Info("recording upload completed",
		zap.String("session_id", payload.SessionID.String()), zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RecordingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("recording worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
