package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"foodorder-svc/models"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const actorKey = "actor"

var errMissingSubject = errors.New("token has no subject")

// AuthMiddleware requires a bearer token signed with secret and stores the
// caller as the request actor. Tokens carry the caller in user_id (as issued
// by the user service) or in the standard sub claim.
func AuthMiddleware(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	return authenticate(secret, logger, true)
}

// OptionalAuthMiddleware lets anonymous requests through but still rejects a
// bad token.
func OptionalAuthMiddleware(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	return authenticate(secret, logger, false)
}

func authenticate(secret []byte, logger *zap.Logger, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" && !required {
			c.Next()
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			return
		}

		actorID, err := ParseActor(raw, secret)
		if err != nil {
			logger.Warn("Rejected token",
				zap.String("trace_id", GetTraceID(c.Request.Context())),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(actorKey, models.Actor{ID: actorID})
		c.Next()
	}
}

// ParseActor validates an HS256 token and returns the caller id.
func ParseActor(raw string, secret []byte) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	switch v := claims["user_id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprintf("%.0f", v), nil
	}

	sub, err := claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errMissingSubject
	}
	return sub, nil
}

// ActorFromContext returns the authenticated actor, or the zero actor for
// anonymous requests.
func ActorFromContext(c *gin.Context) models.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(models.Actor); ok {
			return actor
		}
	}
	return models.Actor{}
}
