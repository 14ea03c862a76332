package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventOrderConfirmation   EventType = "order_confirmation"
	EventPaymentConfirmation EventType = "payment_confirmation"
	EventOrderStatusUpdate   EventType = "order_status_update"
	EventCustomerWelcome     EventType = "customer_welcome"
)

type EventStatus string

const (
	EventStatusQueued     EventStatus = "queued"
	EventStatusProcessing EventStatus = "processing"
	EventStatusSent       EventStatus = "sent"
	EventStatusFailed     EventStatus = "failed"
)

// Lower values are delivered first.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

type CommunicationEvent struct {
	ID          string          `json:"id"`
	EventType   EventType       `json:"event_type"`
	Recipient   string          `json:"recipient"`
	OrderID     *string         `json:"order_id,omitempty"`
	TemplateKey string          `json:"template_key"`
	Variables   json.RawMessage `json:"variables"`
	Status      EventStatus     `json:"status"`
	RetryCount  int             `json:"retry_count"`
	DedupKey    string          `json:"dedup_key"`
	Priority    int             `json:"priority"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// EnqueueResult reports the stored event id. Suppressed is set when an
// equivalent event already existed and nothing new was written.
type EnqueueResult struct {
	EventID    string `json:"event_id"`
	Suppressed bool   `json:"suppressed"`
}
