package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusConfirmed OrderStatus = "confirmed"
	StatusPreparing OrderStatus = "preparing"
	StatusReady     OrderStatus = "ready"
	StatusCompleted OrderStatus = "completed"
	StatusCancelled OrderStatus = "cancelled"
)

// ActiveStatuses is the status set shown on the live board.
var ActiveStatuses = []OrderStatus{StatusPending, StatusConfirmed, StatusPreparing, StatusReady}

type OrderType string

const (
	OrderTypePickup   OrderType = "pickup"
	OrderTypeDineIn   OrderType = "dinein"
	OrderTypeDelivery OrderType = "delivery"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentApplePay PaymentMethod = "apple_pay"
	PaymentMada     PaymentMethod = "mada"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypePickup, OrderTypeDineIn, OrderTypeDelivery:
		return true
	}
	return false
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentApplePay, PaymentMada:
		return true
	}
	return false
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

type Modifier struct {
	Name   string          `json:"name"`
	NameAr string          `json:"name_ar"`
	Price  decimal.Decimal `json:"price"`
}

type OrderItem struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	NameAr    string          `json:"name_ar"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Modifiers []Modifier      `json:"modifiers,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// LineTotal is price × quantity plus each modifier's price once.
func (i OrderItem) LineTotal() decimal.Decimal {
	total := i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
	for _, m := range i.Modifiers {
		total = total.Add(m.Price)
	}
	return total
}

type Order struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	OrderNumber      string          `json:"order_number"`
	BusinessDay      string          `json:"business_day"`
	Type             OrderType       `json:"type"`
	TableNumber      *int            `json:"table_number,omitempty"`
	Status           OrderStatus     `json:"status"`
	Customer         Customer        `json:"customer"`
	Items            []OrderItem     `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	Tax              decimal.Decimal `json:"tax"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	Discount         decimal.Decimal `json:"discount"`
	Total            decimal.Decimal `json:"total"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	IsPaid           bool            `json:"is_paid"`
	Notes            string          `json:"notes,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	EstimatedReadyAt *time.Time      `json:"estimated_ready_at,omitempty"`
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}

type OrderListResponse struct {
	Success bool    `json:"success"`
	Orders  []Order `json:"orders"`
	Count   int     `json:"count"`
}

type StatusUpdateRequest struct {
	Status    OrderStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent signals that an order row of a tenant changed. Consumers are
// free to ignore everything but the fact that it arrived.
type ChangeEvent struct {
	Type     ChangeType `json:"type"`
	TenantID string     `json:"tenant_id"`
	OrderID  string     `json:"order_id"`
	At       time.Time  `json:"at"`
}
