package models

import "fmt"

type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

// transitions lists every allowed move. A status missing from a row's
// targets is rejected; refunded has no exits.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusConfirmed, OrderStatusPreparing, OrderStatusReady,
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled,
	},
	OrderStatusConfirmed: {
		OrderStatusPreparing, OrderStatusReady, OrderStatusOutForDelivery,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded,
	},
	OrderStatusPreparing: {
		OrderStatusReady, OrderStatusOutForDelivery, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusRefunded,
	},
	OrderStatusReady: {
		OrderStatusOutForDelivery, OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded,
	},
	OrderStatusOutForDelivery: {
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded,
	},
	OrderStatusDelivered: {OrderStatusRefunded},
	OrderStatusCancelled: {OrderStatusRefunded},
	OrderStatusRefunded:  {},
}

// statusTemplates maps customer-facing statuses to their notification
// template. Statuses absent here send nothing.
var statusTemplates = map[OrderStatus]string{
	OrderStatusConfirmed:      "order_confirmed",
	OrderStatusPreparing:      "order_preparing",
	OrderStatusReady:          "order_ready",
	OrderStatusOutForDelivery: "out_for_delivery",
	OrderStatusDelivered:      "order_delivered",
	OrderStatusCancelled:      "order_cancelled",
}

// ParseOrderStatus converts s into a known status.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown order status %q", s)
	}
	return status, nil
}

func (s OrderStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further lifecycle progress is possible
// other than a refund.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, target := range transitions[s] {
		if target == next {
			return true
		}
	}
	return false
}

// TemplateKey returns the notification template for a customer-facing status.
func (s OrderStatus) TemplateKey() (string, bool) {
	key, ok := statusTemplates[s]
	return key, ok
}

func (s OrderStatus) CustomerFacing() bool {
	_, ok := statusTemplates[s]
	return ok
}

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type FulfillmentType string

const (
	FulfillmentDelivery FulfillmentType = "delivery"
	FulfillmentPickup   FulfillmentType = "pickup"
)

func (f FulfillmentType) Valid() bool {
	return f == FulfillmentDelivery || f == FulfillmentPickup
}
