package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the notification inbox.
type Handler struct {
	service *Service
}

// NewHandler creates a new notification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up inbox routes. All are owner-scoped.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/my/notifications", h.List)
	r.GET("/my/notifications/unread", h.UnreadCount)
	r.POST("/my/notifications/:id/read", h.MarkRead)
	r.POST("/my/notifications/read-all", h.MarkAllRead)
}

// List handles GET /v1/my/notifications
func (h *Handler) List(c *gin.Context) {
	userID := c.GetString("authUserID") // Set by auth middleware
	unreadOnly := c.Query("unread") == "true"

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.service.ListByUser(c.Request.Context(), userID, unreadOnly, limit)
	if err != nil {
		respondNotifyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// UnreadCount handles GET /v1/my/notifications/unread
func (h *Handler) UnreadCount(c *gin.Context) {
	userID := c.GetString("authUserID")

	count, err := h.service.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		respondNotifyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead handles POST /v1/my/notifications/:id/read
func (h *Handler) MarkRead(c *gin.Context) {
	userID := c.GetString("authUserID")

	if err := h.service.MarkRead(c.Request.Context(), c.Param("id"), userID); err != nil {
		respondNotifyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// MarkAllRead handles POST /v1/my/notifications/read-all
func (h *Handler) MarkAllRead(c *gin.Context) {
	userID := c.GetString("authUserID")

	updated, err := h.service.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		respondNotifyError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func respondNotifyError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotificationNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
