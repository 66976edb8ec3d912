package request

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tradehub-ng/tradehub/internal/validation"
)

// Handler provides HTTP endpoints for the request book.
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) request routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests", h.ListOpen)
	r.GET("/requests/:id", h.GetRequest)
}

// RegisterProtectedRoutes sets up auth-required request routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.POST("/requests/:id/claim", h.ClaimRequest)
	r.POST("/requests/:id/cancel", h.CancelRequest)
	r.GET("/my/requests", h.ListMine)
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	requesterID := c.GetString("authUserID") // Set by auth middleware

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidDirection("direction", req.Direction),
		validation.ValidCoin("coinType", req.CoinType),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("fiatAmount", req.FiatAmount),
		validation.ValidAmount("rate", req.Rate),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.Direction = strings.ToLower(req.Direction)
	req.CoinType = strings.ToUpper(req.CoinType)

	request, err := h.service.Create(c.Request.Context(), requesterID, req)
	if err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_request",
				"message": "An identical open request already exists",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"request": request})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	id := c.Param("id")

	request, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

// ListOpen handles GET /v1/requests
func (h *Handler) ListOpen(c *gin.Context) {
	coinType := strings.ToUpper(c.Query("coin"))
	limit := parseLimit(c, 50, 200)

	requests, err := h.service.ListOpen(c.Request.Context(), coinType, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// ListMine handles GET /v1/my/requests
func (h *Handler) ListMine(c *gin.Context) {
	userID := c.GetString("authUserID")
	limit := parseLimit(c, 50, 200)

	requests, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

// ClaimRequest handles POST /v1/requests/:id/claim
func (h *Handler) ClaimRequest(c *gin.Context) {
	id := c.Param("id")
	counterpartyID := c.GetString("authUserID")

	trade, err := h.service.Claim(c.Request.Context(), id, counterpartyID)
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// CancelRequest handles POST /v1/requests/:id/cancel
func (h *Handler) CancelRequest(c *gin.Context) {
	id := c.Param("id")
	requesterID := c.GetString("authUserID")

	request, err := h.service.Cancel(c.Request.Context(), id, requesterID)
	if err != nil {
		respondRequestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

func parseLimit(c *gin.Context, def, max int) int {
	limit := def
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func respondRequestError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyMatched):
		status = http.StatusConflict
		code = "already_matched"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrSelfClaim):
		status = http.StatusForbidden
		code = "self_claim"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
