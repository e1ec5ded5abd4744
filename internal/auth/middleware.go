package auth

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/metrics"
)

const (
	// ContextKeySigner is the key for storing the verified signer in gin context
	ContextKeySigner = "authSigner"
	// ContextKeyAuthError holds why a presented signature was rejected
	ContextKeyAuthError = "authError"
)

// Middleware verifies a request signature when one is presented.
// Sets authSigner in context if valid; never aborts.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		signer := c.GetHeader(HeaderSigner)
		if signer == "" {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
					"error":   "request_too_large",
					"message": "Request body could not be read",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		key, err := v.Verify(
			signer,
			c.GetHeader(HeaderTimestamp),
			c.GetHeader(HeaderSignature),
			c.Request.Method,
			c.Request.URL.RequestURI(),
			body,
		)
		if err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(failureReason(err)).Inc()
			c.Set(ContextKeyAuthError, err.Error())
		} else {
			c.Set(ContextKeySigner, key)
		}

		c.Next()
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrInvalidSigner):
		return "invalid_signer"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	case errors.Is(err, ErrReplayed):
		return "replayed"
	default:
		return "bad_signature"
	}
}

// RequireAuth middleware rejects requests without a valid signature
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetSigner(c); !ok {
			msg := "Signed request required. Include X-Signer, X-Timestamp and X-Signature headers."
			if reason := c.GetString(ContextKeyAuthError); reason != "" {
				msg = reason
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}
		c.Next()
	}
}

// GetSigner returns the verified signer (if authenticated)
func GetSigner(c *gin.Context) (keys.PublicKey, bool) {
	v, exists := c.Get(ContextKeySigner)
	if !exists {
		return keys.PublicKey{}, false
	}
	k, ok := v.(keys.PublicKey)
	return k, ok
}

// IsAuthenticated checks if the request is authenticated
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetSigner(c)
	return ok
}
