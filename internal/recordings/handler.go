package recordings

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classmesh/backend/internal/middleware"
	"github.com/classmesh/backend/internal/models"
	"github.com/classmesh/backend/pkg/queue"
	"github.com/classmesh/backend/pkg/response"
)

// SessionDirectory is the slice of session persistence the recordings
// handler needs.
type SessionDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	IsHost(ctx context.Context, sessionID, userID uuid.UUID) (bool, error)
}

// Enqueuer hands a spooled recording off to the background upload worker.
type Enqueuer interface {
	EnqueueRecordingUpload(ctx context.Context, payload queue.RecordingUploadPayload) error
}

// Presigner mints time-limited download URLs for stored recordings.
type Presigner interface {
	GeneratePresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Handler handles recording HTTP endpoints. Uploads are spooled locally and
// moved to S3 by the worker so the request never blocks on blob storage.
type Handler struct {
	sessions SessionDirectory
	queue    Enqueuer
	s3       Presigner
	spoolDir string
	logger   *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(sessions SessionDirectory, q Enqueuer, s3 Presigner, spoolDir string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, queue: q, s3: s3, spoolDir: spoolDir, logger: logger}
}

// Upload handles POST /live-classes/:id/recording. Host only. The recording
// blob is spooled to disk and queued; the response does not wait for S3.
func (h *Handler) Upload(c *gin.Context) {
	classID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid class id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	ok, err := h.sessions.IsHost(c.Request.Context(), classID, userID)
	if err != nil {
		response.NotFound(c, "class not found")
		return
	}
	if !ok {
		response.Forbidden(c, "only the host can upload recordings")
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		response.BadRequest(c, "missing recording file")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/webm"
	}

	uploadID := uuid.New().String()
	spoolPath := filepath.Join(h.spoolDir, uploadID+".webm")
	if err := h.spool(file, spoolPath); err != nil {
		h.logger.Error("spool recording failed", zap.Error(err), zap.String("class_id", classID.String()))
		response.Internal(c, "failed to store recording")
		return
	}

	err = h.queue.EnqueueRecordingUpload(c.Request.Context(), queue.RecordingUploadPayload{
		SessionID:   classID,
		UploadID:    uploadID,
		SpoolPath:   spoolPath,
		ContentType: contentType,
	})
	if err != nil {
		_ = os.Remove(spoolPath)
		h.logger.Error("enqueue recording failed", zap.Error(err), zap.String("class_id", classID.String()))
		response.Internal(c, "failed to queue recording")
		return
	}

	h.logger.Info("recording spooled",
		zap.String("class_id", classID.String()),
		zap.String("upload_id", uploadID),
		zap.Int64("size", header.Size))
	response.OK(c, gin.H{"upload_id": uploadID, "status": "queued"})
}

func (h *Handler) spool(src io.Reader, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return err
	}
	return f.Close()
}

// DownloadURL handles GET /live-classes/:id/recording/download-url.
func (h *Handler) DownloadURL(c *gin.Context) {
	classID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid class id")
		return
	}

	session, err := h.sessions.GetByID(c.Request.Context(), classID)
	if err != nil {
		response.NotFound(c, "class not found")
		return
	}
	if session.RecordingRef == "" {
		response.NotFound(c, "no recording for this class")
		return
	}
	if h.s3 == nil {
		response.Internal(c, "S3 not configured")
		return
	}

	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), session.RecordingRef, expire)
	if err != nil {
		h.logger.Error("presign recording download failed", zap.Error(err), zap.String("class_id", classID.String()))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}
