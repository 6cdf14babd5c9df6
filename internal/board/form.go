package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, draft orders.Draft) (*models.Order, error)
}

// Refresher is told to refetch once an order has been created.
type Refresher interface {
	Refresh()
}

// Form is the new-order form at the register.
type Form struct {
	creator   OrderCreator
	refresher Refresher
	notifier  Notifier
	lang      Language
	taxRate   decimal.Decimal
	logger    *logrus.Logger

	mu         sync.Mutex
	draft      orders.Draft
	submitting bool
}

type FormOption func(*Form)

func WithRefresher(r Refresher) FormOption {
	return func(f *Form) { f.refresher = r }
}

func WithFormNotifier(n Notifier) FormOption {
	return func(f *Form) { f.notifier = n }
}

func WithFormLanguage(lang Language) FormOption {
	return func(f *Form) { f.lang = lang }
}

// WithFormTaxRate sets the rate used for the running total. It should match
// the service's TAX_RATE.
func WithFormTaxRate(rate decimal.Decimal) FormOption {
	return func(f *Form) { f.taxRate = rate }
}

func NewForm(creator OrderCreator, logger *logrus.Logger, opts ...FormOption) *Form {
	f := &Form{
		creator:  creator,
		notifier: LogNotifier{Logger: logger},
		lang:     English,
		taxRate:  orders.DefaultTaxRate,
		logger:   logger,
		draft:    emptyDraft(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func emptyDraft() orders.Draft {
	return orders.Draft{
		Type:          models.OrderTypePickup,
		PaymentMethod: models.PaymentCash,
		IsPaid:        true,
		Items:         []models.OrderItem{{Quantity: 1}},
	}
}

// Draft returns a copy of the form's current contents.
func (f *Form) Draft() orders.Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.draft
	d.Items = append([]models.OrderItem(nil), f.draft.Items...)
	return d
}

// Edit applies fn to the form's draft.
func (f *Form) Edit(fn func(d *orders.Draft)) {
	f.mu.Lock()
	fn(&f.draft)
	f.mu.Unlock()
}

func (f *Form) AddItem() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draft.Items = append(f.draft.Items, models.OrderItem{Quantity: 1})
	return len(f.draft.Items) - 1
}

func (f *Form) SetItem(i int, item models.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.draft.Items) {
		return fmt.Errorf("item %d out of range", i)
	}
	f.draft.Items[i] = item
	return nil
}

// RemoveItem drops row i. The last row is never removed.
func (f *Form) RemoveItem(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.draft.Items) <= 1 || i < 0 || i >= len(f.draft.Items) {
		return
	}
	f.draft.Items = append(f.draft.Items[:i], f.draft.Items[i+1:]...)
}

// Totals is the running total shown under the form.
func (f *Form) Totals() orders.Totals {
	return f.Draft().Totals(f.taxRate)
}

func (f *Form) Reset() {
	f.mu.Lock()
	f.draft = emptyDraft()
	f.mu.Unlock()
}

var validationMessages = []struct {
	err error
	key MessageKey
}{
	{orders.ErrCustomerNameRequired, MsgNameRequired},
	{orders.ErrCustomerPhoneRequired, MsgPhoneRequired},
	{orders.ErrItemsRequired, MsgItemsRequired},
}

// Submit validates the draft and sends it. Nothing goes over the network
// unless validation passes. On success the form resets and the board is
// asked to refetch; on failure the form keeps what was entered.
func (f *Form) Submit(ctx context.Context) (*models.Order, error) {
	f.mu.Lock()
	if f.submitting {
		f.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	draft := f.draft
	draft.Items = append([]models.OrderItem(nil), f.draft.Items...)
	f.submitting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.submitting = false
		f.mu.Unlock()
	}()

	if err := draft.Validate(); err != nil {
		key := MsgCreateFailed
		for _, m := range validationMessages {
			if errors.Is(err, m.err) {
				key = m.key
				break
			}
		}
		f.notify(LevelError, key, "")
		return nil, err
	}

	order, err := f.creator.CreateOrder(ctx, draft)
	if err != nil {
		f.logger.WithError(err).Error("Failed to create order")
		f.notify(LevelError, MsgCreateFailed, "")
		return nil, err
	}

	f.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total.StringFixed(2),
	}).Info("Order created")

	f.Reset()
	f.notify(LevelSuccess, MsgOrderCreated, order.ID)
	if f.refresher != nil {
		f.refresher.Refresh()
	}
	return order, nil
}

func (f *Form) notify(level Level, key MessageKey, orderID string) {
	if f.notifier == nil {
		return
	}
	n := Localize(f.lang, level, key)
	n.OrderID = orderID
	f.notifier.Notify(n)
}
