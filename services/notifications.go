package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"foodorder-svc/middleware"
	"foodorder-svc/models"
	"foodorder-svc/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EnqueueRequest describes one notification to queue. A zero Window
// suppresses duplicates of any age.
type EnqueueRequest struct {
	EventType   models.EventType
	Recipient   string
	OrderID     *string
	TemplateKey string
	Variables   map[string]any
	DedupKey    string
	Window      time.Duration
	Priority    int
}

// NotificationQueue writes deduplicated communication events inside the
// caller's transaction.
type NotificationQueue struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewNotificationQueue(logger *zap.Logger, now func() time.Time) *NotificationQueue {
	if now == nil {
		now = time.Now
	}
	return &NotificationQueue{logger: logger.Named("notifications"), now: now}
}

// Enqueue stores the event unless an equivalent one already exists within
// the window, in which case the existing id is returned with Suppressed set.
func (q *NotificationQueue) Enqueue(ctx context.Context, tx store.Tx, req EnqueueRequest) (models.EnqueueResult, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return models.EnqueueResult{}, invalid("notification recipient is required")
	}
	if req.DedupKey == "" {
		return models.EnqueueResult{}, invalid("notification dedup key is required")
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityNormal
	}
	if req.TemplateKey == "" {
		req.TemplateKey = string(req.EventType)
	}

	variables := json.RawMessage(`{}`)
	if len(req.Variables) > 0 {
		data, err := json.Marshal(req.Variables)
		if err != nil {
			return models.EnqueueResult{}, invalid("notification variables: %v", err)
		}
		variables = data
	}

	now := q.now().UTC()
	var since time.Time
	if req.Window > 0 {
		since = now.Add(-req.Window)
	}

	ev := &models.CommunicationEvent{
		ID:          uuid.NewString(),
		EventType:   req.EventType,
		Recipient:   req.Recipient,
		OrderID:     req.OrderID,
		TemplateKey: req.TemplateKey,
		Variables:   variables,
		Status:      models.EventStatusQueued,
		DedupKey:    req.DedupKey,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	res, err := tx.EnqueueEvent(ctx, ev, since)
	if err != nil {
		return models.EnqueueResult{}, err
	}

	middleware.RecordNotificationEnqueued(string(req.EventType), res.Suppressed)
	if res.Suppressed {
		q.logger.Info("Notification suppressed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("event_type", string(req.EventType)),
			zap.String("existing_event_id", res.EventID),
			zap.String("dedup_key", req.DedupKey),
		)
	}
	return res, nil
}

// StatusDedupKey derives the key that collapses repeated notifications for
// the same order reaching the same status.
func StatusDedupKey(email, orderID string, status models.OrderStatus) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email)) + "|" + orderID + "|" + string(status)))
	return hex.EncodeToString(sum[:])
}

func welcomeDedupKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
