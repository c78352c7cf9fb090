package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meeting-signaling/internal/hub"
	"github.com/mossy-p/meeting-signaling/internal/meetingcode"
	"github.com/mossy-p/meeting-signaling/internal/metrics"
	"github.com/mossy-p/meeting-signaling/internal/middleware"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/mossy-p/meeting-signaling/internal/redis"
)

const codeAttempts = 5

// MeetingStore keeps metadata for reserved meetings. Lookups of unknown
// meetings return redis.ErrNotFound.
type MeetingStore interface {
	SaveMeeting(ctx context.Context, meta models.MeetingMetadata) error
	Meeting(ctx context.Context, meetingID string) (*models.MeetingMetadata, error)
	DeleteMeeting(ctx context.Context, meetingID string) error
}

// Meetings serves the REST meeting API.
type Meetings struct {
	hub             *hub.Hub
	store           MeetingStore
	maxParticipants int
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
}

func NewMeetings(h *hub.Hub, store MeetingStore, maxParticipants int, m *metrics.Metrics, logger *slog.Logger) *Meetings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meetings{
		hub:             h,
		store:           store,
		maxParticipants: maxParticipants,
		metrics:         m,
		logger:          logger.With("component", "meetings"),
		now:             time.Now,
	}
}

// CreateMeeting reserves a fresh meeting code (requires authentication)
func (h *Meetings) CreateMeeting(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	// The body is optional.
	var req models.CreateMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParticipants == 0 {
		req.MaxParticipants = h.maxParticipants
	}

	ctx := c.Request.Context()
	id, err := h.freeCode(ctx)
	if err != nil {
		h.logger.Error("failed to allocate meeting code", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	meta := models.MeetingMetadata{
		ID:              id,
		CreatorID:       userID,
		CreatedAt:       h.now(),
		MaxParticipants: req.MaxParticipants,
	}
	if err := h.store.SaveMeeting(ctx, meta); err != nil {
		h.logger.Error("failed to store meeting", "meeting", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create meeting"})
		return
	}

	h.metrics.Inc(metrics.MeetingReserved)
	h.logger.Info("meeting reserved", "meeting", id, "user", userID)
	c.JSON(http.StatusCreated, models.CreateMeetingResponse{MeetingID: id})
}

// freeCode returns a code used neither by a live nor a reserved meeting.
func (h *Meetings) freeCode(ctx context.Context) (string, error) {
	for range codeAttempts {
		id := meetingcode.New()
		if _, live := h.hub.Meeting(id); live {
			continue
		}
		_, err := h.store.Meeting(ctx, id)
		if errors.Is(err, redis.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("no free meeting code")
}

// GetMeeting reports live membership and stored metadata (public)
func (h *Meetings) GetMeeting(c *gin.Context) {
	id := strings.TrimSpace(c.Param("meetingId"))

	info, live := h.hub.Meeting(id)
	meta, err := h.store.Meeting(c.Request.Context(), id)
	if err != nil {
		if !errors.Is(err, redis.ErrNotFound) {
			h.logger.Warn("failed to load meeting metadata", "meeting", id, "err", err)
		}
		meta = nil
	}
	if !live && meta == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}

	resp := models.MeetingResponse{MeetingInfo: info, Metadata: meta, Live: live}
	if !live {
		resp.ID = id
		resp.CreatedAt = meta.CreatedAt
		resp.Participants = []models.Participant{}
	}
	c.JSON(http.StatusOK, resp)
}

// EndMeeting disconnects every participant and deletes the meeting
// (requires authentication and creator)
func (h *Meetings) EndMeeting(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("meetingId"))

	meta, err := h.store.Meeting(ctx, id)
	if errors.Is(err, redis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Meeting not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load meeting metadata", "meeting", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load meeting"})
		return
	}

	// Verify user is the creator
	if meta.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the meeting creator can end the meeting"})
		return
	}

	if err := h.hub.End(ctx, id); err != nil && !errors.Is(err, hub.ErrUnknownMeeting) {
		h.logger.Error("failed to end meeting", "meeting", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to end meeting"})
		return
	}
	if err := h.store.DeleteMeeting(ctx, id); err != nil {
		h.logger.Warn("failed to delete meeting metadata", "meeting", id, "err", err)
	}

	h.logger.Info("meeting ended by creator", "meeting", id, "user", userID)
	c.JSON(http.StatusOK, gin.H{"message": "Meeting ended"})
}
