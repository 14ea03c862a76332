package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MaxBodyBytes caps request bodies read in full before parsing.
const MaxBodyBytes = 1 << 20

// LimitBody wraps the request body in http.MaxBytesReader.
func LimitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// ReadBody reads the whole (limited) request body. An oversized body
// reports http.StatusRequestEntityTooLarge.
func ReadBody(c *gin.Context) ([]byte, int, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, err
		}
		return nil, http.StatusBadRequest, err
	}
	return body, http.StatusOK, nil
}

// SignWebhook returns the hex HMAC-SHA512 of body under secret, the value
// providers send in the signature header.
func SignWebhook(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// WebhookSignature admits only requests whose body is signed with secret.
// The body is restored for the next handler. Without a secret every request
// is refused.
func WebhookSignature(secret []byte, header string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			logger.Error("Webhook secret not configured")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Webhook verification unavailable"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader(header))
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing webhook signature"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
		body, status, err := ReadBody(c)
		if err != nil {
			c.AbortWithStatusJSON(status, gin.H{"error": "Failed to read request body"})
			return
		}

		signature, err := hex.DecodeString(strings.ToLower(provided))
		expected, _ := hex.DecodeString(SignWebhook(secret, body))
		if err != nil || !hmac.Equal(signature, expected) {
			logger.Warn("Rejected webhook signature",
				zap.String("trace_id", GetTraceID(c.Request.Context())),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid webhook signature"})
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Next()
	}
}
