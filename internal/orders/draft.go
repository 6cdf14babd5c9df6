package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
)

// DefaultTaxRate is the VAT applied at creation.
var DefaultTaxRate = decimal.RequireFromString("0.15")

// Draft is an order as entered at the register, before it has an id,
// a number or totals.
type Draft struct {
	Type          models.OrderType     `json:"type"`
	TableNumber   *int                 `json:"table_number,omitempty"`
	Customer      models.Customer      `json:"customer"`
	Items         []models.OrderItem   `json:"items"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	IsPaid        bool                 `json:"is_paid"`
	Notes         string               `json:"notes,omitempty"`
}

// Totals is the money breakdown of a draft.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

func validItem(item models.OrderItem) bool {
	return strings.TrimSpace(item.Name) != "" && item.Price.IsPositive() && item.Quantity >= 1
}

// ValidItems returns the items that will be submitted. Blank or unpriced
// rows are dropped silently.
func (d Draft) ValidItems() []models.OrderItem {
	var out []models.OrderItem
	for _, item := range d.Items {
		if validItem(item) {
			out = append(out, item)
		}
	}
	return out
}

// Validate reports the first missing required field, checked in the order
// the register form shows them.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Customer.Name) == "" {
		return ErrCustomerNameRequired
	}
	if strings.TrimSpace(d.Customer.Phone) == "" {
		return ErrCustomerPhoneRequired
	}
	if len(d.ValidItems()) == 0 {
		return ErrItemsRequired
	}
	if d.Type != "" && !d.Type.Valid() {
		return ErrInvalidOrderType
	}
	if d.PaymentMethod != "" && !d.PaymentMethod.Valid() {
		return ErrInvalidPaymentMethod
	}
	return nil
}

// Totals sums valid items and applies taxRate, rounding tax to cents.
func (d Draft) Totals(taxRate decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, item := range d.ValidItems() {
		subtotal = subtotal.Add(item.LineTotal())
	}
	tax := subtotal.Mul(taxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}
}

// Build turns a validated draft into a pending order. The order number is
// left empty; it is assigned when the order is stored.
func (d Draft) Build(tenantID string, taxRate decimal.Decimal, now time.Time, loc *time.Location) *models.Order {
	totals := d.Totals(taxRate)

	orderType := d.Type
	if orderType == "" {
		orderType = models.OrderTypePickup
	}
	payment := d.PaymentMethod
	if payment == "" {
		payment = models.PaymentCash
	}

	var table *int
	if orderType == models.OrderTypeDineIn && d.TableNumber != nil {
		n := *d.TableNumber
		table = &n
	}

	items := d.ValidItems()
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
	}

	return &models.Order{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		BusinessDay:   BusinessDay(now, loc),
		Type:          orderType,
		TableNumber:   table,
		Status:        models.StatusPending,
		Customer:      d.Customer,
		Items:         items,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		DeliveryFee:   decimal.Zero,
		Discount:      decimal.Zero,
		Total:         totals.Total,
		PaymentMethod: payment,
		IsPaid:        d.IsPaid,
		Notes:         d.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// BusinessDay is the calendar date of t in the business time zone.
func BusinessDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
