package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxNumberAttempts bounds retries when a freshly allocated order number
// collides with an existing row.
const maxNumberAttempts = 5

// ListFilter narrows a tenant's orders. Results are always newest first.
type ListFilter struct {
	Statuses    []models.OrderStatus
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
	Offset      int
}

type Repository interface {
	ListOrders(ctx context.Context, tenantID string, filter ListFilter) ([]models.Order, error)
	GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error)
	// InsertOrder returns ErrDuplicateOrderNumber when the number is taken.
	InsertOrder(ctx context.Context, order *models.Order) error
	// UpdateStatus only applies when the current status is one of from.
	// It returns ErrNotFound or ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, tenantID, orderID string, to models.OrderStatus, from []models.OrderStatus, at time.Time) (*models.Order, error)
	ListStaff(ctx context.Context, tenantID string) ([]models.StaffMember, error)
	Ping(ctx context.Context) error
}

// Sequencer hands out order numbers, atomically, per tenant and business day.
type Sequencer interface {
	Next(ctx context.Context, tenantID, businessDay string) (int64, error)
}

// ChangePublisher fans change signals out to realtime subscribers.
type ChangePublisher interface {
	PublishChange(ctx context.Context, event models.ChangeEvent) error
}

// EventPublisher ships domain events to downstream consumers.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, eventType string, order *models.Order) error
}

const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
)

type Service struct {
	repo     Repository
	seq      Sequencer
	changes  ChangePublisher
	events   EventPublisher
	taxRate  decimal.Decimal
	location *time.Location
	now      func() time.Time
	logger   *logrus.Logger
}

type ServiceOption func(*Service)

func WithTaxRate(rate decimal.Decimal) ServiceOption {
	return func(s *Service) { s.taxRate = rate }
}

func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) { s.location = loc }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithEventPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) { s.events = p }
}

func NewService(repo Repository, seq Sequencer, changes ChangePublisher, logger *logrus.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		seq:      seq,
		changes:  changes,
		taxRate:  DefaultTaxRate,
		location: time.UTC,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Location() *time.Location {
	return s.location
}

func (s *Service) Now() time.Time {
	return s.now()
}

// ActiveOrders returns every order still on the board, newest first.
func (s *Service) ActiveOrders(ctx context.Context, tenantID string) ([]models.Order, error) {
	return s.repo.ListOrders(ctx, tenantID, ListFilter{Statuses: models.ActiveStatuses})
}

func (s *Service) ListOrders(ctx context.Context, tenantID string, filter ListFilter) ([]models.Order, error) {
	for _, st := range filter.Statuses {
		if !lifecycle.Valid(st) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, st)
		}
	}
	return s.repo.ListOrders(ctx, tenantID, filter)
}

func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (*models.Order, error) {
	return s.repo.GetOrder(ctx, tenantID, orderID)
}

func (s *Service) ListStaff(ctx context.Context, tenantID string) ([]models.StaffMember, error) {
	return s.repo.ListStaff(ctx, tenantID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// CreateOrder validates the draft, numbers it and stores it as pending.
func (s *Service) CreateOrder(ctx context.Context, tenantID string, draft Draft) (*models.Order, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	order := draft.Build(tenantID, s.taxRate, s.now(), s.location)

	var lastErr error
	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		n, err := s.seq.Next(ctx, tenantID, order.BusinessDay)
		if err != nil {
			return nil, fmt.Errorf("allocate order number: %w", err)
		}
		order.OrderNumber = fmt.Sprintf("%03d", n)

		err = s.repo.InsertOrder(ctx, order)
		if err == nil {
			lastErr = nil
			break
		}
		if !errors.Is(err, ErrDuplicateOrderNumber) {
			return nil, fmt.Errorf("insert order: %w", err)
		}

		lastErr = err
		s.logger.WithFields(logrus.Fields{
			"tenant_id":    tenantID,
			"order_number": order.OrderNumber,
			"attempt":      attempt,
		}).Warn("Order number collision, allocating next number")
	}
	if lastErr != nil {
		return nil, fmt.Errorf("insert order after %d attempts: %w", maxNumberAttempts, lastErr)
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"total":        order.Total.StringFixed(2),
		"items_count":  len(order.Items),
	}).Info("Order created")

	s.announce(ctx, models.ChangeInsert, EventOrderCreated, order)
	return order, nil
}

// Transition applies a board action to an order.
func (s *Service) Transition(ctx context.Context, tenantID, orderID string, action lifecycle.Action) (*models.Order, error) {
	to, err := lifecycle.Target(action)
	if err != nil {
		return nil, err
	}
	return s.UpdateStatus(ctx, tenantID, orderID, to, time.Time{})
}

// UpdateStatus moves an order to status to. The update is conditional on
// the order currently being in a status that can reach to, so of two staff
// racing on the same order only the first wins.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, orderID string, to models.OrderStatus, at time.Time) (*models.Order, error) {
	if !lifecycle.Valid(to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	from := lifecycle.FromStatuses(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing moves to %s", lifecycle.ErrInvalidTransition, to)
	}
	if at.IsZero() {
		at = s.now()
	}

	order, err := s.repo.UpdateStatus(ctx, tenantID, orderID, to, from, at)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: %w", lifecycle.ErrInvalidTransition, err)
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"order_id":  orderID,
		"status":    to,
	}).Info("Order status updated")

	s.announce(ctx, models.ChangeUpdate, EventOrderStatusChanged, order)
	return order, nil
}

// announce never fails the mutation that triggered it; the row is already
// committed and subscribers recover on their next fetch.
func (s *Service) announce(ctx context.Context, change models.ChangeType, eventType string, order *models.Order) {
	if s.changes != nil {
		event := models.ChangeEvent{Type: change, TenantID: order.TenantID, OrderID: order.ID, At: s.now()}
		if err := s.changes.PublishChange(ctx, event); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish change signal")
		}
	}
	if s.events != nil {
		if err := s.events.PublishOrderEvent(ctx, eventType, order); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish order event")
		}
	}
}
