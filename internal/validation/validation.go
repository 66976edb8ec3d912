// Package validation provides input validation for the TradeHub API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum JSON request body size (1MB).
// Proof uploads are limited separately.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text string fields
const MaxStringLength = 10000

// userIDRegex validates actor identifiers (UUIDs or prefixed random ids).
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// SupportedCoins are the assets tradable on the platform.
var SupportedCoins = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"USDT": true,
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks if a string is an acceptable actor identifier.
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidUserID checks if a field is a well-formed actor identifier.
func ValidUserID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidUserID(value) {
			return &ValidationError{Field: field, Message: "must be a valid user id"}
		}
		return nil
	}
}

// ValidCoin checks if a field names a supported asset.
func ValidCoin(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !SupportedCoins[strings.ToUpper(value)] {
			return &ValidationError{Field: field, Message: "unsupported coin type"}
		}
		return nil
	}
}

// ValidDirection checks if a field is a trade direction (buy or sell).
func ValidDirection(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if value != "buy" && value != "sell" {
			return &ValidationError{Field: field, Message: "must be buy or sell"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks if a value is a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// UserParamMiddleware validates :userId URL parameters on routes that use them.
func UserParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("userId")
		if id != "" && !IsValidUserID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_user_id",
				"message": "user id must be 1-64 alphanumeric, dash, or underscore characters",
			})
			return
		}
		c.Next()
	}
}
