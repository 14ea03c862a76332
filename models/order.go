package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID               string          `json:"id"`
	OrderNumber      string          `json:"order_number"`
	CustomerEmail    string          `json:"customer_email"`
	CustomerName     string          `json:"customer_name"`
	CustomerPhone    string          `json:"customer_phone,omitempty"`
	CustomerID       *string         `json:"customer_id,omitempty"`
	FulfillmentType  FulfillmentType `json:"fulfillment_type"`
	DeliveryZoneID   *string         `json:"delivery_zone_id,omitempty"`
	DeliveryAddress  string          `json:"delivery_address,omitempty"`
	DeliveryNotes    string          `json:"delivery_notes,omitempty"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	Discount         decimal.Decimal `json:"discount"`
	DeliveryDiscount decimal.Decimal `json:"delivery_discount"`
	Total            decimal.Decimal `json:"total"`
	PromotionCode    *string         `json:"promotion_code,omitempty"`
	Status           OrderStatus     `json:"status"`
	PaymentStatus    PaymentStatus   `json:"payment_status"`
	PaymentReference string          `json:"payment_reference"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	Items            []OrderItem     `json:"items,omitempty"`
}

type OrderItem struct {
	ID             int64           `json:"id"`
	OrderID        string          `json:"order_id"`
	ProductID      string          `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Customizations json.RawMessage `json:"customizations,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type OrderStatusChange struct {
	ID             int64       `json:"id"`
	OrderID        string      `json:"order_id"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
	ChangedBy      string      `json:"changed_by"`
	Reason         string      `json:"reason,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type Product struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	IsActive bool            `json:"is_active"`
}

type DeliveryZone struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	BaseFee  decimal.Decimal `json:"base_fee"`
	IsActive bool            `json:"is_active"`
}

type PromotionType string

const (
	PromotionPercentage   PromotionType = "percentage"
	PromotionFixedAmount  PromotionType = "fixed_amount"
	PromotionFreeDelivery PromotionType = "free_delivery"
)

type Promotion struct {
	ID                string           `json:"id"`
	Code              string           `json:"code"`
	Type              PromotionType    `json:"type"`
	Value             decimal.Decimal  `json:"value"`
	MinOrderAmount    decimal.Decimal  `json:"min_order_amount"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	UsageLimit        *int             `json:"usage_limit,omitempty"`
	UsageCount        int              `json:"usage_count"`
	IsActive          bool             `json:"is_active"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty"`
}

// CustomerInput identifies who is placing the order.
type CustomerInput struct {
	Email      string  `json:"email" binding:"required,email"`
	Name       string  `json:"name" binding:"required"`
	Phone      string  `json:"phone"`
	CustomerID *string `json:"customer_id"`
}

// Request limits. They keep every line and the order total inside the
// NUMERIC(12,2) columns.
const (
	MaxItemQuantity = 1000
	MaxOrderItems   = 100
)

type OrderItemInput struct {
	ProductID      string          `json:"product_id" binding:"required"`
	Quantity       int             `json:"quantity" binding:"required,gt=0,lte=1000"`
	Customizations json.RawMessage `json:"customizations"`
}

type DeliveryInput struct {
	ZoneID  *string `json:"zone_id"`
	Address string  `json:"address"`
	Notes   string  `json:"notes"`
}

type CreateOrderRequest struct {
	Customer         CustomerInput    `json:"customer"`
	FulfillmentType  FulfillmentType  `json:"fulfillment_type" binding:"required,oneof=delivery pickup"`
	Items            []OrderItemInput `json:"items" binding:"required,min=1,max=100,dive"`
	Delivery         DeliveryInput    `json:"delivery"`
	PromotionCode    string           `json:"promotion_code"`
	ClientTotal      *decimal.Decimal `json:"client_total"`
	PaymentReference string           `json:"payment_reference"`
}

type UpdateOrderStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}
