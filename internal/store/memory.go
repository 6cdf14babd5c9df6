package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/pkg/models"
)

// MemoryRepository keeps orders in process. It enforces the same
// order-number uniqueness and conditional status updates as Postgres and
// backs STORE_DRIVER=memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	orders  map[string]*models.Order
	numbers map[string]string
	staff   map[string][]models.StaffMember
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		orders:  make(map[string]*models.Order),
		numbers: make(map[string]string),
		staff:   make(map[string][]models.StaffMember),
	}
}

func numberKey(o *models.Order) string {
	return o.TenantID + "|" + o.BusinessDay + "|" + o.OrderNumber
}

func cloneOrder(o *models.Order) models.Order {
	c := *o
	c.Items = make([]models.OrderItem, len(o.Items))
	for i, item := range o.Items {
		c.Items[i] = item
		c.Items[i].Modifiers = append([]models.Modifier(nil), item.Modifiers...)
	}
	if o.TableNumber != nil {
		n := *o.TableNumber
		c.TableNumber = &n
	}
	if o.EstimatedReadyAt != nil {
		t := *o.EstimatedReadyAt
		c.EstimatedReadyAt = &t
	}
	return c
}

func matches(o *models.Order, tenantID string, filter orders.ListFilter) bool {
	if o.TenantID != tenantID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.CreatedFrom.IsZero() && o.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && !o.CreatedAt.Before(filter.CreatedTo) {
		return false
	}
	return true
}

func (r *MemoryRepository) ListOrders(_ context.Context, tenantID string, filter orders.ListFilter) ([]models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []models.Order{}
	for _, o := range r.orders {
		if matches(o, tenantID, filter) {
			result = append(result, cloneOrder(o))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []models.Order{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *MemoryRepository) GetOrder(_ context.Context, tenantID, orderID string) (*models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, orders.ErrNotFound
	}
	c := cloneOrder(o)
	return &c, nil
}

func (r *MemoryRepository) InsertOrder(_ context.Context, order *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := numberKey(order)
	if _, taken := r.numbers[key]; taken {
		return orders.ErrDuplicateOrderNumber
	}
	c := cloneOrder(order)
	r.orders[order.ID] = &c
	r.numbers[key] = order.ID
	return nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, tenantID, orderID string, to models.OrderStatus, from []models.OrderStatus, at time.Time) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok || o.TenantID != tenantID {
		return nil, orders.ErrNotFound
	}

	allowed := false
	for _, s := range from {
		if o.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, orders.ErrStatusConflict
	}

	o.Status = to
	o.UpdatedAt = at
	c := cloneOrder(o)
	return &c, nil
}

// AddStaff seeds staff members for a tenant.
func (r *MemoryRepository) AddStaff(members ...models.StaffMember) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range members {
		r.staff[m.TenantID] = append(r.staff[m.TenantID], m)
	}
}

func (r *MemoryRepository) ListStaff(_ context.Context, tenantID string) ([]models.StaffMember, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.StaffMember{}, r.staff[tenantID]...), nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	return nil
}
