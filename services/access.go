package services

import (
	"context"
	"fmt"

	"foodorder-svc/models"
)

// Authorizer decides whether an actor may act on orders it does not own.
type Authorizer interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// requireAdmin passes system actors and admins. It never writes.
func requireAdmin(ctx context.Context, authz Authorizer, actor models.Actor) error {
	if actor.System {
		return nil
	}
	if actor.ID == "" {
		return fmt.Errorf("%w: anonymous caller", ErrForbidden)
	}
	if authz == nil {
		return fmt.Errorf("%w: no authorizer configured", ErrForbidden)
	}
	ok, err := authz.IsAdmin(ctx, actor.ID)
	if err != nil {
		return unexpected("authorize actor", KindCritical, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is not an admin", ErrForbidden, actor.ID)
	}
	return nil
}

// requireOwnerOrAdmin lets the customer who placed the order read it.
func requireOwnerOrAdmin(ctx context.Context, authz Authorizer, actor models.Actor, order *models.Order) error {
	if actor.ID != "" && !actor.System && order.CustomerID != nil && *order.CustomerID == actor.ID {
		return nil
	}
	return requireAdmin(ctx, authz, actor)
}
