package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/outflow/pacer/internal/domain"
	"github.com/outflow/pacer/internal/pkg/httputil"
	"github.com/outflow/pacer/internal/service/dispatch"
	"github.com/outflow/pacer/internal/service/message"
)

// Handlers exposes the message service over HTTP.
type Handlers struct {
	messages *message.Service
}

// NewHandlers creates the API handler set.
func NewHandlers(messages *message.Service) *Handlers {
	return &Handlers{messages: messages}
}

// HealthCheck reports liveness.
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type sendRequest struct {
	Recipients  []string `json:"recipients"`
	ContentType string   `json:"content_type"`
	Content     string   `json:"content"`
	MediaURL    string   `json:"media_url"`
	Caption     string   `json:"caption"`
}

func (req *sendRequest) validate(w http.ResponseWriter) bool {
	if len(req.Recipients) == 0 {
		httputil.BadRequest(w, "recipients is required")
		return false
	}
	if req.Content == "" && req.MediaURL == "" {
		httputil.BadRequest(w, "content or media_url is required")
		return false
	}
	return true
}

// SendMessage queues a paced send across the group's profiles.
// POST /api/groups/{groupID}/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req sendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}

	receipt, err := h.messages.SendOpen(r.Context(), groupID, message.SendInput{
		Recipients:  req.Recipients,
		ContentType: req.ContentType,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		Caption:     req.Caption,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.Created(w, receipt)
}

type replyRequest struct {
	Recipient   string `json:"recipient"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	MediaURL    string `json:"media_url"`
	Caption     string `json:"caption"`
}

// SendReply sends immediately through the conversation's profile.
// POST /api/groups/{groupID}/replies
func (h *Handlers) SendReply(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req replyRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Recipient == "" {
		httputil.BadRequest(w, "recipient is required")
		return
	}
	if req.Content == "" && req.MediaURL == "" {
		httputil.BadRequest(w, "content or media_url is required")
		return
	}

	receipt, err := h.messages.SendReply(r.Context(), groupID, message.ReplyInput{
		Recipient:   req.Recipient,
		ContentType: req.ContentType,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		Caption:     req.Caption,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, receipt)
}

type scheduleRequest struct {
	sendRequest
	ScheduledAt         time.Time `json:"scheduled_at"`
	DripMode            bool      `json:"drip_mode"`
	DripIntervalMinutes int       `json:"drip_interval_minutes"`
}

// ScheduleMessage stores a message for future promotion.
// POST /api/groups/{groupID}/scheduled
func (h *Handlers) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if !req.validate(w) {
		return
	}
	if req.ScheduledAt.IsZero() {
		httputil.BadRequest(w, "scheduled_at is required")
		return
	}

	created, err := h.messages.Defer(r.Context(), groupID, message.DeferInput{
		SendInput: message.SendInput{
			Recipients:  req.Recipients,
			ContentType: req.ContentType,
			Content:     req.Content,
			MediaURL:    req.MediaURL,
			Caption:     req.Caption,
		},
		ScheduledAt:  req.ScheduledAt,
		DripMode:     req.DripMode,
		DripInterval: time.Duration(req.DripIntervalMinutes) * time.Minute,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	ids := make([]string, len(created))
	for i := range created {
		ids[i] = created[i].ID
	}
	httputil.Created(w, map[string]interface{}{
		"message_ids": ids,
		"scheduled":   len(created),
	})
}

// GetMessage returns one message with distribution and progress.
// GET /api/messages/{messageID}
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, msg)
}

// CancelMessage cancels a message's waiting queue items.
// DELETE /api/messages/{messageID}
func (h *Handlers) CancelMessage(w http.ResponseWriter, r *http.Request) {
	n, err := h.messages.Cancel(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":          "cancelled",
		"items_cancelled": n,
	})
}

// QueueStatus returns the group's queue counters and pressure mode.
// GET /api/groups/{groupID}/queue
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.messages.QueueStatus(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, st)
}

// ListQueueItems returns queue items for inspection.
// GET /api/groups/{groupID}/queue/items?status=waiting&limit=100
func (h *Handlers) ListQueueItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	status := domain.QueueItemStatus(r.URL.Query().Get("status"))

	items, err := h.messages.ListQueueItems(r.Context(), chi.URLParam(r, "groupID"), status, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []domain.QueueItem{}
	}
	httputil.OK(w, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// CancelAllWaiting cancels every waiting item in the group.
// DELETE /api/groups/{groupID}/queue
func (h *Handlers) CancelAllWaiting(w http.ResponseWriter, r *http.Request) {
	n, err := h.messages.CancelAllWaiting(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{
		"status":          "cancelled",
		"items_cancelled": n,
	})
}

// writeServiceError maps service sentinel errors onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrGroupNotFound),
		errors.Is(err, message.ErrMessageNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, message.ErrGroupInactive),
		errors.Is(err, message.ErrNotCancellable),
		errors.Is(err, message.ErrPastScheduleTime),
		errors.Is(err, dispatch.ErrNoRecipients):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, dispatch.ErrNoEligibleProfiles),
		errors.Is(err, message.ErrNoActiveProfile):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}
