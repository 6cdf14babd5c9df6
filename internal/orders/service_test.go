package orders_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/internal/store"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *orders.Service
	repo   *store.MemoryRepository
	broker *realtime.Broker
	events *recordingEvents
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEvents) PublishOrderEvent(_ context.Context, eventType string, _ *models.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newFixture(t *testing.T, seq orders.Sequencer) *fixture {
	t.Helper()
	if seq == nil {
		seq = store.NewMemorySequencer()
	}
	logger := quietLogger()
	repo := store.NewMemoryRepository()
	broker := realtime.NewBroker(logger)
	events := &recordingEvents{}
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc := orders.NewService(repo, seq, broker, logger,
		orders.WithEventPublisher(events),
		orders.WithClock(func() time.Time { return now }),
	)
	return &fixture{svc: svc, repo: repo, broker: broker, events: events}
}

func draft(name string) orders.Draft {
	return orders.Draft{
		Customer: models.Customer{Name: name, Phone: "0500000000"},
		Items: []models.OrderItem{
			{Name: "Spanish Latte", Quantity: 2, Price: decimal.NewFromInt(25)},
			{Name: "Cheese Croissant", Quantity: 1, Price: decimal.NewFromInt(8)},
		},
		IsPaid: true,
	}
}

func TestCreateOrderAssignsSequentialNumbers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, "t1", draft("Sara"))
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, "t1", draft("Omar"))
	require.NoError(t, err)
	other, err := f.svc.CreateOrder(ctx, "t2", draft("Layla"))
	require.NoError(t, err)

	assert.Equal(t, "001", first.OrderNumber)
	assert.Equal(t, "002", second.OrderNumber)
	assert.Equal(t, "001", other.OrderNumber)
	assert.Equal(t, models.StatusPending, first.Status)
	assert.True(t, first.Total.Equal(decimal.RequireFromString("66.70")))
	assert.Equal(t, []string{orders.EventOrderCreated, orders.EventOrderCreated, orders.EventOrderCreated}, f.events.types)
}

func TestCreateOrderValidationMakesNoWrites(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	d := draft("")
	_, err := f.svc.CreateOrder(ctx, "t1", d)
	assert.ErrorIs(t, err, orders.ErrCustomerNameRequired)

	list, err := f.svc.ActiveOrders(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.events.types)
}

func TestCreateOrderSignalsSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	sub, err := f.broker.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer sub.Close()

	order, err := f.svc.CreateOrder(ctx, "t1", draft("Sara"))
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.ChangeInsert, ev.Type)
		assert.Equal(t, order.ID, ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("no change signal after create")
	}
}

// countingSequencer reproduces numbering from a count of existing rows: two
// cashiers that count before either inserts get the same number.
type countingSequencer struct {
	repo  *store.MemoryRepository
	calls atomic.Int32
	gate  sync.WaitGroup
}

func (s *countingSequencer) Next(ctx context.Context, tenantID, businessDay string) (int64, error) {
	list, err := s.repo.ListOrders(ctx, tenantID, orders.ListFilter{})
	if err != nil {
		return 0, err
	}
	n := int64(0)
	for _, o := range list {
		if o.BusinessDay == businessDay {
			n++
		}
	}
	if s.calls.Add(1) <= 2 {
		s.gate.Done()
		s.gate.Wait()
	}
	return n + 1, nil
}

func TestConcurrentCreateNeverDuplicatesOrderNumbers(t *testing.T) {
	repo := store.NewMemoryRepository()
	seq := &countingSequencer{repo: repo}
	seq.gate.Add(2)

	logger := quietLogger()
	svc := orders.NewService(repo, seq, nil, logger)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*models.Order, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateOrder(ctx, "t1", draft("Cashier"))
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].OrderNumber, results[1].OrderNumber,
		"both cashiers computed the same number; the unique constraint must force a retry")

	list, _ := repo.ListOrders(ctx, "t1", orders.ListFilter{})
	assert.Len(t, list, 2)
}

func TestConcurrentCreateWithAtomicSequencer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 30
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.svc.CreateOrder(ctx, "t1", draft("Cashier"))
			if err == nil {
				numbers <- o.OrderNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "duplicate order number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
}

type stuckSequencer struct{}

func (stuckSequencer) Next(context.Context, string, string) (int64, error) { return 1, nil }

func TestCreateOrderGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, stuckSequencer{})
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, "t1", draft("Sara"))
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, "t1", draft("Omar"))
	assert.ErrorIs(t, err, orders.ErrDuplicateOrderNumber)
}

func TestTransitionFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "t1", draft("Sara"))
	require.NoError(t, err)

	steps := []struct {
		action lifecycle.Action
		want   models.OrderStatus
	}{
		{lifecycle.ActionAccept, models.StatusPreparing},
		{lifecycle.ActionMarkReady, models.StatusReady},
		{lifecycle.ActionMarkCompleted, models.StatusCompleted},
	}
	for _, step := range steps {
		updated, err := f.svc.Transition(ctx, "t1", order.ID, step.action)
		require.NoError(t, err, "action %s", step.action)
		assert.Equal(t, step.want, updated.Status)
		assert.Equal(t, order.ID, updated.ID)
		assert.Equal(t, order.OrderNumber, updated.OrderNumber)
		assert.True(t, updated.Total.Equal(order.Total), "total must not change after creation")
	}

	active, err := f.svc.ActiveOrders(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, active, "completed orders leave the active set")
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, "t1", draft("Sara"))
	require.NoError(t, err)

	_, err = f.svc.Transition(ctx, "t1", order.ID, lifecycle.ActionMarkCompleted)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, "t1", order.ID, lifecycle.ActionReject)
	require.NoError(t, err)

	// A second staff member accepting the already rejected order loses.
	_, err = f.svc.Transition(ctx, "t1", order.ID, lifecycle.ActionAccept)
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, "t1", order.ID, models.StatusConfirmed, time.Time{})
	assert.ErrorIs(t, err, lifecycle.ErrInvalidTransition, "confirmed is never a target")

	_, err = f.svc.UpdateStatus(ctx, "t1", order.ID, models.OrderStatus("lost"), time.Time{})
	assert.ErrorIs(t, err, orders.ErrValidation)

	_, err = f.svc.Transition(ctx, "t1", "missing", lifecycle.ActionAccept)
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestTransitionOnlyTouchesTargetOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, _ := f.svc.CreateOrder(ctx, "t1", draft("A"))
	b, _ := f.svc.CreateOrder(ctx, "t1", draft("B"))

	_, err := f.svc.Transition(ctx, "t1", a.ID, lifecycle.ActionAccept)
	require.NoError(t, err)

	gotB, err := f.svc.GetOrder(ctx, "t1", b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, gotB.Status)
}

func TestActiveOrdersIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.svc.CreateOrder(ctx, "t1", draft("Guest"))
	}

	first, err := f.svc.ActiveOrders(ctx, "t1")
	require.NoError(t, err)
	second, err := f.svc.ActiveOrders(ctx, "t1")
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Status, second[i].Status)
	}
}

func TestListOrdersRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.ListOrders(context.Background(), "t1", orders.ListFilter{Statuses: []models.OrderStatus{"new"}})
	assert.True(t, errors.Is(err, orders.ErrInvalidStatus))
}
