package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/classmesh/backend/internal/auth"
	"github.com/classmesh/backend/internal/middleware"
	"github.com/classmesh/backend/internal/models"
	"github.com/classmesh/backend/pkg/response"
)

// CreateRequest is the body for POST /live-classes.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	RoomID      string `json:"room_id"` // optional; generated when empty
	ScheduledAt string `json:"scheduled_at" binding:"required"`
}

// JoinResponse is the body returned by POST /live-classes/:id/join. ICEUrls
// tells clients which STUN/TURN servers to negotiate through.
type JoinResponse struct {
	SignalingToken string   `json:"signaling_token"`
	RoomID         string   `json:"room_id"`
	ICEUrls        []string `json:"ice_urls,omitempty"`
}

// Handler handles live class HTTP endpoints.
type Handler struct {
	svc     *Service
	jwt     *auth.JWTService
	iceUrls []string
}

// NewHandler creates a live class handler.
func NewHandler(svc *Service, jwt *auth.JWTService, iceUrls []string) *Handler {
	return &Handler{svc: svc, jwt: jwt, iceUrls: iceUrls}
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrNotHost):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrNotScheduled), errors.Is(err, ErrNotLive):
		response.Conflict(c, err.Error())
	default:
		response.Internal(c, "internal error")
	}
}

func newRoomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Create handles POST /live-classes (teacher only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
	if err != nil {
		response.BadRequest(c, "invalid scheduled_at")
		return
	}
	roomID := req.RoomID
	if roomID == "" {
		roomID = newRoomID()
	}

	hostID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	sess, err := h.svc.Schedule(c.Request.Context(), ScheduleInput{
		Title:       req.Title,
		Description: req.Description,
		HostID:      hostID,
		RoomID:      roomID,
		ScheduledAt: scheduledAt,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.Created(c, sess)
}

// List handles GET /live-classes: the caller's own classes.
func (h *Handler) List(c *gin.Context) {
	hostID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	list, err := h.svc.ListForHost(c.Request.Context(), hostID)
	if err != nil {
		response.Internal(c, "failed to list live classes")
		return
	}
	response.OK(c, list)
}

// ListAvailable handles GET /live-classes/available: visible classes for students.
func (h *Handler) ListAvailable(c *gin.Context) {
	list, err := h.svc.ListAvailable(c.Request.Context())
	if err != nil {
		response.Internal(c, "failed to list live classes")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /live-classes/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	sess, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.OK(c, sess)
}

// Start handles PATCH /live-classes/:id/start.
func (h *Handler) Start(c *gin.Context) {
	h.lifecycle(c, h.svc.Start)
}

// End handles PATCH /live-classes/:id/end.
func (h *Handler) End(c *gin.Context) {
	h.lifecycle(c, h.svc.End)
}

// ToggleVisibility handles PATCH /live-classes/:id/visibility.
func (h *Handler) ToggleVisibility(c *gin.Context) {
	h.lifecycle(c, h.svc.ToggleVisibility)
}

func (h *Handler) lifecycle(c *gin.Context, op func(ctx context.Context, id, callerID uuid.UUID) (*models.Session, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	sess, err := op(c.Request.Context(), id, callerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.OK(c, sess)
}

// Delete handles DELETE /live-classes/:id (host purge; cascades attendance,
// best-effort recording delete).
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	callerID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.svc.Purge(c.Request.Context(), id, callerID); err != nil {
		writeServiceError(c, err)
		return
	}
	response.NoContent(c)
}

// Attendance handles GET /live-classes/:id/attendance (host only).
func (h *Handler) Attendance(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	list, err := h.svc.Attendance(c.Request.Context(), id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	response.OK(c, gin.H{"attendance": list})
}

// Join handles POST /live-classes/:id/join: opens an attendance record and
// returns a signaling token scoped to this class.
func (h *Handler) Join(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	role := c.MustGet(middleware.ContextUserRole).(string)
	displayName := c.GetString(middleware.ContextUsername)

	sess, err := h.svc.Join(c.Request.Context(), id, userID)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	token, err := h.jwt.GenerateSignalingToken(userID, displayName, role, sess.ID)
	if err != nil {
		response.Internal(c, "failed to generate signaling token")
		return
	}
	response.OK(c, JoinResponse{SignalingToken: token, RoomID: sess.RoomID, ICEUrls: h.iceUrls})
}

// Leave handles POST /live-classes/:id/leave: closes the caller's open
// attendance record. Idempotent.
func (h *Handler) Leave(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid live class id")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	if err := h.svc.Leave(c.Request.Context(), id, userID); err != nil {
		response.Internal(c, "failed to record leave")
		return
	}
	response.OK(c, gin.H{"message": "left"})
}
