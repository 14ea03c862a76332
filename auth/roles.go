package auth

import (
	"context"
	"errors"
	"time"

	"foodorder-svc/cache"
	"foodorder-svc/middleware"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

// RoleSource is the authoritative role lookup, normally the order store.
type RoleSource interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// RoleAuthorizer answers admin checks from Redis and falls back to the
// role source on a miss or when Redis is unavailable.
type RoleAuthorizer struct {
	source RoleSource
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRoleAuthorizer accepts a nil client, in which case every check goes to
// the source.
func NewRoleAuthorizer(source RoleSource, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RoleAuthorizer {
	return &RoleAuthorizer{source: source, rdb: rdb, ttl: ttl, logger: logger.Named("authz")}
}

func (a *RoleAuthorizer) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	ctx, span := otel.Tracer("order-service").Start(ctx, "IsAdmin")
	defer span.End()

	if a.rdb != nil {
		granted, err := cache.GetRole(ctx, a.rdb, actorID, RoleAdmin)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return granted, nil
		case !errors.Is(err, redis.Nil):
			a.logger.Warn("Role cache unavailable",
				zap.String("trace_id", middleware.GetTraceID(ctx)),
				zap.Error(err),
			)
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	granted, err := a.source.HasRole(ctx, actorID, RoleAdmin)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if a.rdb != nil && a.ttl > 0 {
		if err := cache.SetRole(ctx, a.rdb, actorID, RoleAdmin, granted, a.ttl); err != nil {
			a.logger.Debug("Failed to cache role", zap.Error(err))
		}
	}
	return granted, nil
}

// Forget drops a cached decision after a role change.
func (a *RoleAuthorizer) Forget(ctx context.Context, actorID string) error {
	if a.rdb == nil {
		return nil
	}
	return cache.DeleteRole(ctx, a.rdb, actorID, RoleAdmin)
}
