package trade

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tradehub-ng/tradehub/internal/validation"
)

// ProofIntake validates and stores a payment artifact before it is
// attached to a trade. Rejections surface as ErrRejectedArtifact.
type ProofIntake interface {
	Accept(ctx context.Context, tradeID, filename, contentType string, data []byte) (*Proof, error)
}

// maxProofUpload caps the multipart body read for proof uploads. Slightly
// above the artifact limit so oversized files reach validation and get a
// proper rejection instead of a truncated read.
const maxProofUpload = 6 << 20

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
	intake  ProofIntake
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service, intake ProofIntake) *Handler {
	return &Handler{service: service, intake: intake}
}

// RegisterProtectedRoutes sets up trade routes. Every trade operation is
// party-scoped, so there are no public routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.ListTrades)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/trades/:id/events", h.ListEvents)
	r.GET("/trades/:id/state", h.GetState)
	r.POST("/trades/:id/proof", h.SubmitProof)
	r.POST("/trades/:id/paid", h.MarkPaid)
	r.POST("/trades/:id/confirm", h.ConfirmReceipt)
	r.POST("/trades/:id/dispute", h.RaiseDispute)
}

// ConfirmRequest is the payee's answer to a payment claim.
type ConfirmRequest struct {
	Received *bool `json:"received" binding:"required"`
}

// DisputeRequest contains the parameters for disputing a trade.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID") // Set by auth middleware

	trade, err := h.service.Get(c.Request.Context(), id, actorID)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListTrades handles GET /v1/trades
func (h *Handler) ListTrades(c *gin.Context) {
	actorID := c.GetString("authUserID")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 100 {
				limit = 100
			}
		}
	}

	trades, err := h.service.ListByUser(c.Request.Context(), actorID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// ListEvents handles GET /v1/trades/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	events, err := h.service.Events(c.Request.Context(), id, actorID, 100)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetState handles GET /v1/trades/:id/state
//
// The authoritative snapshot observers resync against after missed or
// duplicated realtime events.
func (h *Handler) GetState(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	state, err := h.service.CurrentState(c.Request.Context(), id, actorID)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// SubmitProof handles POST /v1/trades/:id/proof
//
// Multipart upload with the artifact in the "file" field.
func (h *Handler) SubmitProof(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	// Reject a doomed submission before the artifact reaches the blob
	// store; otherwise a wrong actor or terminal trade leaves an orphaned
	// file behind.
	if err := h.service.AcceptsProof(c.Request.Context(), id, actorID); err != nil {
		respondTradeError(c, err)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A multipart 'file' field is required",
		})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read uploaded file",
		})
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, maxProofUpload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read uploaded file",
		})
		return
	}

	proof, err := h.intake.Accept(c.Request.Context(), id,
		fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	trade, err := h.service.SubmitProof(c.Request.Context(), id, actorID, *proof)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// MarkPaid handles POST /v1/trades/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	trade, err := h.service.MarkPaid(c.Request.Context(), id, actorID)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ConfirmReceipt handles POST /v1/trades/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A boolean 'received' field is required",
		})
		return
	}

	trade, err := h.service.ConfirmReceipt(c.Request.Context(), id, actorID, *req.Received)
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// RaiseDispute handles POST /v1/trades/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	id := c.Param("id")
	actorID := c.GetString("authUserID")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	trade, err := h.service.RaiseDispute(c.Request.Context(), id, actorID, validation.SanitizeString(req.Reason, 500))
	if err != nil {
		respondTradeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// respondTradeError maps service errors onto HTTP responses. Rejected
// transitions never mutate state, so conflicts are safe to retry after
// a resync.
func respondTradeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTradeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrProofRequired):
		status = http.StatusConflict
		code = "proof_required"
	case errors.Is(err, ErrRejectedArtifact):
		status = http.StatusBadRequest
		code = "rejected_artifact"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
