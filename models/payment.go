package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusSuccess   TransactionStatus = "success"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

func ParseTransactionStatus(s string) (TransactionStatus, bool) {
	switch status := TransactionStatus(s); status {
	case TransactionStatusPending, TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled:
		return status, true
	}
	return "", false
}

type PaymentTransaction struct {
	ID                int64             `json:"id"`
	OrderID           string            `json:"order_id"`
	ProviderReference string            `json:"provider_reference"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Channel           string            `json:"channel,omitempty"`
	GatewayResponse   json.RawMessage   `json:"gateway_response,omitempty"`
	PaidAt            *time.Time        `json:"paid_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type VerificationOutcome string

const (
	VerificationConfirmed VerificationOutcome = "confirmed"
	VerificationDuplicate VerificationOutcome = "duplicate"
	VerificationFailed    VerificationOutcome = "payment_failed"
	VerificationPending   VerificationOutcome = "pending"
	VerificationRejected  VerificationOutcome = "rejected"
	VerificationNotFound  VerificationOutcome = "order_not_found"
	VerificationError     VerificationOutcome = "error"
)

type VerificationResult struct {
	Outcome       VerificationOutcome `json:"outcome"`
	Duplicate     bool                `json:"duplicate"`
	OrderID       string              `json:"order_id,omitempty"`
	OrderNumber   string              `json:"order_number,omitempty"`
	TransactionID int64               `json:"transaction_id,omitempty"`
	Message       string              `json:"message"`
}

// PaymentWebhook is the provider callback shape accepted over HTTP and Kafka.
type PaymentWebhook struct {
	Reference string          `json:"reference" binding:"required"`
	Status    string          `json:"status" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
}
