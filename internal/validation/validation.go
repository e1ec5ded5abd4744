// Package validation provides input validation helpers for the settle API.
package validation

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/keys"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidKey checks if a string is a base58 encoded 32-byte public key
func IsValidKey(s string) bool {
	_, err := keys.Parse(s)
	return err == nil
}

// ParseAmount parses a base-unit amount. Zero is accepted here; whether zero
// is meaningful is decided by the operation receiving it.
func ParseAmount(s string) (uint64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
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

// ValidKey checks if a field is a valid base58 public key
func ValidKey(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidKey(value) {
			return &ValidationError{Field: field, Message: "must be a base58 encoded 32-byte public key"}
		}
		return nil
	}
}

// ValidAmount checks if a field is an unsigned 64-bit integer amount in base
// units.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, ok := ParseAmount(value); !ok {
			return &ValidationError{Field: field, Message: "must be an unsigned integer amount in base units"}
		}
		return nil
	}
}

// ValidUint checks if a field is an unsigned integer within bits.
func ValidUint(field, value string, bitSize int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := strconv.ParseUint(value, 10, bitSize); err != nil {
			return &ValidationError{Field: field, Message: "must be an unsigned integer"}
		}
		return nil
	}
}

// KeyParamMiddleware validates the named URL parameter as a public key.
// Apply to route groups that include key params to reject malformed keys early.
func KeyParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.Param(param)
		if v != "" && !IsValidKey(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_key",
				"message": param + " must be a base58 encoded 32-byte public key",
			})
			return
		}
		c.Next()
	}
}
