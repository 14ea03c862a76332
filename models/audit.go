package models

import (
	"encoding/json"
	"time"
)

type AuditCategory string

const (
	AuditCategoryOrder   AuditCategory = "order"
	AuditCategoryPayment AuditCategory = "payment"
	AuditCategoryStatus  AuditCategory = "order_status"
)

type AuditEntry struct {
	ID        int64           `json:"id"`
	Action    string          `json:"action"`
	Category  AuditCategory   `json:"category"`
	Message   string          `json:"message"`
	Actor     string          `json:"actor"`
	TargetRef string          `json:"target_ref,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type SecurityIncident struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Severity  string          `json:"severity"`
	Reference string          `json:"reference"`
	OrderID   *string         `json:"order_id,omitempty"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// Actor is the explicit caller identity threaded through every operation.
type Actor struct {
	ID     string `json:"id"`
	System bool   `json:"system"`
}

func SystemActor(name string) Actor {
	return Actor{ID: name, System: true}
}

func (a Actor) String() string {
	if a.ID == "" {
		return "anonymous"
	}
	return a.ID
}
