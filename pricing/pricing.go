// Package pricing computes order totals in integer minor units (kobo/cents).
// Decimal values only appear at the boundaries: product prices coming out of
// the database and totals going back in.
package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"foodorder-svc/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Cents is an amount in minor currency units.
type Cents int64

// FromDecimal rounds d to the nearest minor unit, half away from zero.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

type Line struct {
	ProductID string
	Name      string
	UnitPrice Cents
	Quantity  int
	Discount  Cents
}

func (l Line) Total() Cents {
	return l.UnitPrice*Cents(l.Quantity) - l.Discount
}

// MaxAmount is the largest value a NUMERIC(12,2) money column holds.
const MaxAmount Cents = 999_999_999_999

// Breakdown is the full server-side computation for one order.
type Breakdown struct {
	Subtotal         Cents
	DeliveryFee      Cents
	Discount         Cents
	DeliveryDiscount Cents
	Total            Cents
	Lines            []Line
}

// WithinLimit reports whether every stored amount fits MaxAmount.
func (b Breakdown) WithinLimit() bool {
	if b.Subtotal+b.DeliveryFee > MaxAmount {
		return false
	}
	for _, l := range b.Lines {
		if l.UnitPrice*Cents(l.Quantity) > MaxAmount {
			return false
		}
	}
	return true
}

// Fields renders the breakdown for structured logs and audit details.
func (b Breakdown) Fields() map[string]string {
	return map[string]string{
		"subtotal":          b.Subtotal.String(),
		"delivery_fee":      b.DeliveryFee.String(),
		"discount":          b.Discount.String(),
		"delivery_discount": b.DeliveryDiscount.String(),
		"total":             b.Total.String(),
	}
}

// Compute sums the lines and applies the delivery fee and any discounts.
// The total never goes below zero.
func Compute(lines []Line, deliveryFee Cents, adj Adjustment) Breakdown {
	var subtotal Cents
	for _, l := range lines {
		subtotal += l.Total()
	}

	discount := min(adj.Discount, subtotal)
	deliveryDiscount := min(adj.DeliveryDiscount, deliveryFee)

	total := subtotal + deliveryFee - discount - deliveryDiscount
	if total < 0 {
		total = 0
	}

	return Breakdown{
		Subtotal:         subtotal,
		DeliveryFee:      deliveryFee,
		Discount:         discount,
		DeliveryDiscount: deliveryDiscount,
		Total:            total,
		Lines:            lines,
	}
}

// Reconcile compares a client-computed total with the server value.
// ok is false when they differ by more than tolerance.
func Reconcile(server, client, tolerance Cents) (diff Cents, ok bool) {
	diff = client - server
	return diff, diff.Abs() <= tolerance
}

var (
	ErrPromotionInactive     = errors.New("promotion is not active")
	ErrPromotionNotStarted   = errors.New("promotion has not started")
	ErrPromotionExpired      = errors.New("promotion has expired")
	ErrPromotionExhausted    = errors.New("promotion usage limit reached")
	ErrPromotionBelowMinimum = errors.New("order is below the promotion minimum")
	ErrPromotionUnsupported  = errors.New("unsupported promotion type")
)

// Adjustment is what a promotion takes off an order.
type Adjustment struct {
	Code             string
	Discount         Cents
	DeliveryDiscount Cents
}

// ApplyPromotion evaluates p against the order amounts at now.
func ApplyPromotion(p models.Promotion, subtotal, deliveryFee Cents, now time.Time) (Adjustment, error) {
	if !p.IsActive {
		return Adjustment{}, ErrPromotionInactive
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return Adjustment{}, ErrPromotionNotStarted
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return Adjustment{}, ErrPromotionExpired
	}
	if p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit {
		return Adjustment{}, ErrPromotionExhausted
	}
	if minimum := FromDecimal(p.MinOrderAmount); subtotal < minimum {
		return Adjustment{}, fmt.Errorf("%w: subtotal %s, minimum %s", ErrPromotionBelowMinimum, subtotal, minimum)
	}

	adj := Adjustment{Code: strings.ToUpper(p.Code)}
	switch p.Type {
	case models.PromotionPercentage:
		pct := decimal.NewFromInt(int64(subtotal)).Mul(p.Value).Div(hundred)
		adj.Discount = Cents(pct.Round(0).IntPart())
		if p.MaxDiscountAmount != nil {
			adj.Discount = min(adj.Discount, FromDecimal(*p.MaxDiscountAmount))
		}
		adj.Discount = min(adj.Discount, subtotal)
	case models.PromotionFixedAmount:
		adj.Discount = min(FromDecimal(p.Value), subtotal)
	case models.PromotionFreeDelivery:
		adj.DeliveryDiscount = deliveryFee
	default:
		return Adjustment{}, fmt.Errorf("%w: %q", ErrPromotionUnsupported, p.Type)
	}
	if adj.Discount < 0 {
		adj.Discount = 0
	}
	return adj, nil
}
