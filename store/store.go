// Package store persists orders, payments, status history, audit records and
// the communication event queue.
package store

import (
	"context"
	"errors"
	"time"

	"foodorder-svc/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store is the entry point used by the services. Every mutating business
// operation runs inside WithTx; the remaining methods are single statements.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListStatusChanges(ctx context.Context, orderID string) ([]models.OrderStatusChange, error)
	ListEvents(ctx context.Context, orderID string) ([]models.CommunicationEvent, error)

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	RecordSecurityIncident(ctx context.Context, incident *models.SecurityIncident) error

	HasRole(ctx context.Context, userID, role string) (bool, error)

	EventQueue
}

// Tx is the set of reads and writes available inside one transaction.
type Tx interface {
	ProductsByIDs(ctx context.Context, ids []string) (map[string]models.Product, error)
	DeliveryZone(ctx context.Context, id string) (*models.DeliveryZone, error)
	PromotionForUpdate(ctx context.Context, code string) (*models.Promotion, error)
	IncrementPromotionUsage(ctx context.Context, id string) error
	NextOrderSequence(ctx context.Context, day time.Time) (int, error)
	HasOrdersForEmail(ctx context.Context, email string) (bool, error)
	InsertOrder(ctx context.Context, order *models.Order) error

	OrderForUpdate(ctx context.Context, id string) (*models.Order, error)
	OrderByReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error)
	ApplyStatusChange(ctx context.Context, change *models.OrderStatusChange) error
	MarkOrderPaid(ctx context.Context, orderID string, at time.Time) error
	MarkOrderPaymentFailed(ctx context.Context, orderID string, at time.Time) error

	// UpsertTransaction records a provider result keyed by its reference.
	// applied is false when a successful row already existed and nothing
	// was written.
	UpsertTransaction(ctx context.Context, txn *models.PaymentTransaction) (applied bool, err error)

	// EnqueueEvent inserts ev unless an event with the same type and dedup
	// key was created at or after since. A zero since matches any age.
	EnqueueEvent(ctx context.Context, ev *models.CommunicationEvent, since time.Time) (models.EnqueueResult, error)
}

// EventQueue is the consumer side of communication_events.
type EventQueue interface {
	ClaimEvents(ctx context.Context, limit int, now time.Time) ([]models.CommunicationEvent, error)
	MarkEventSent(ctx context.Context, id string, at time.Time) error
	// MarkEventFailed re-queues the event or, once maxRetries is reached,
	// marks it failed. The resulting status is returned.
	MarkEventFailed(ctx context.Context, id, reason string, maxRetries int, at time.Time) (models.EventStatus, error)
	PurgeEvents(ctx context.Context, before time.Time) (int64, error)
}
