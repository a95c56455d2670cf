package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order lifecycle statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusShipped    = "shipped"
	OrderStatusDelivered  = "delivered"
	OrderStatusCancelled  = "cancelled"
)

// Payment statuses.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusPaid     = "paid"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

type Order struct {
	BaseModel
	UserID              uuid.UUID       `gorm:"type:uuid;index" json:"user_id"`
	User                *User           `json:"user,omitempty"`
	OrderNumber         string          `gorm:"uniqueIndex" json:"order_number"`
	Status              string          `gorm:"default:pending" json:"status"`
	ShippingAddressID   *uuid.UUID      `gorm:"type:uuid" json:"shipping_address_id"`
	ShippingAddress     *Address        `json:"shipping_address,omitempty"`
	ShippingMethod      string          `json:"shipping_method"`
	ShippingCost        decimal.Decimal `gorm:"type:decimal(10,2)" json:"shipping_cost"`
	Subtotal            decimal.Decimal `gorm:"type:decimal(10,2)" json:"subtotal"`
	Tax                 decimal.Decimal `gorm:"type:decimal(10,2)" json:"tax"`
	Total               decimal.Decimal `gorm:"type:decimal(10,2)" json:"total"`
	PaymentMethod       string          `json:"payment_method"`
	PaymentStatus       string          `gorm:"default:pending" json:"payment_status"`
	StripePaymentIntent string          `gorm:"index" json:"stripe_payment_intent"`
	TrackingNumber      string          `json:"tracking_number"`
	EstimatedDelivery   *time.Time      `json:"estimated_delivery"`
	Notes               string          `json:"notes"`
	Items               []OrderItem     `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// OrderItem snapshots a purchased line. The product link may go away when a
// product is deleted; the name/sku/price snapshot preserves historical truth.
type OrderItem struct {
	BaseModel
	OrderID     uuid.UUID       `gorm:"type:uuid;index" json:"order_id"`
	ProductID   *uuid.UUID      `gorm:"type:uuid" json:"product_id"`
	ProductName string          `json:"product_name"`
	ProductSKU  string          `json:"product_sku"`
	Price       decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Quantity    int             `json:"quantity"`
}

// Subtotal is derived, never stored.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// MarshalJSON includes the derived subtotal in the item representation.
func (i OrderItem) MarshalJSON() ([]byte, error) {
	type alias OrderItem
	return json.Marshal(struct {
		alias
		LineSubtotal decimal.Decimal `json:"subtotal"`
	}{alias(i), i.Subtotal()})
}
