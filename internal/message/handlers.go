package message

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradehub-ng/tradehub/internal/security"
	"github.com/tradehub-ng/tradehub/internal/validation"
)

// Handler provides HTTP endpoints for trade chat.
type Handler struct {
	service *Service
}

// NewHandler creates a new message handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up chat routes. All chat is party-scoped.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/messages", h.ListMessages)
	r.POST("/trades/:id/messages", h.SendMessage)
	r.POST("/trades/:id/messages/read", h.MarkRead)
	r.GET("/my/messages/unread", h.UnreadCount)
}

// SendRequest contains the parameters for sending a chat message.
type SendRequest struct {
	Content  string `json:"content"`
	Type     string `json:"messageType"`
	MediaURL string `json:"mediaUrl"`
}

// SendMessage handles POST /v1/trades/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	tradeID := c.Param("id")
	senderID := c.GetString("authUserID") // Set by auth middleware

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Media links are rendered for the counterparty; never accept one that
	// points into private address space.
	if req.MediaURL != "" {
		if err := security.ValidateEndpointURL(req.MediaURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_media_url",
				"message": err.Error(),
			})
			return
		}
	}

	msg, err := h.service.Send(c.Request.Context(), tradeID, senderID,
		validation.SanitizeString(req.Content, MaxContentLength), Type(req.Type), req.MediaURL)
	if err != nil {
		respondMessageError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /v1/trades/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	tradeID := c.Param("id")
	actorID := c.GetString("authUserID")

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	messages, err := h.service.ListByTrade(c.Request.Context(), tradeID, actorID, limit)
	if err != nil {
		respondMessageError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": messages,
		"count":    len(messages),
	})
}

// MarkRead handles POST /v1/trades/:id/messages/read
func (h *Handler) MarkRead(c *gin.Context) {
	tradeID := c.Param("id")
	actorID := c.GetString("authUserID")

	updated, err := h.service.MarkRead(c.Request.Context(), tradeID, actorID)
	if err != nil {
		respondMessageError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// UnreadCount handles GET /v1/my/messages/unread
func (h *Handler) UnreadCount(c *gin.Context) {
	userID := c.GetString("authUserID")

	count, err := h.service.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func respondMessageError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrEmptyMessage):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrMessageNotFound):
		status = http.StatusNotFound
		code = "not_found"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
