package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type statusUpdate struct {
	orderID string
	status  models.OrderStatus
}

type fakeBackend struct {
	mu        sync.Mutex
	orders    []models.Order
	fetches   int
	fetchErr  error
	updateErr error
	updates   []statusUpdate
	block     chan struct{}
}

func (f *fakeBackend) FetchActiveOrders(ctx context.Context) ([]models.Order, error) {
	f.mu.Lock()
	f.fetches++
	list := append([]models.Order(nil), f.orders...)
	err := f.fetchErr
	block := f.block
	f.block = nil
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return list, err
}

func (f *fakeBackend) UpdateOrderStatus(_ context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, statusUpdate{orderID, status})
	for i := range f.orders {
		if f.orders[i].ID == orderID {
			f.orders[i].Status = status
			o := f.orders[i]
			return &o, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) set(orders ...models.Order) {
	f.mu.Lock()
	f.orders = orders
	f.mu.Unlock()
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) updateLog() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusUpdate(nil), f.updates...)
}

func order(id, tenant string, status models.OrderStatus) models.Order {
	return models.Order{ID: id, TenantID: tenant, OrderNumber: id, Status: status}
}

type running struct {
	tenants chan string
	stop    func()
}

// run starts b and stops it when the test ends. Sending on tenants blocks
// until Run has taken the id.
func run(t *testing.T, b *Board) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tenants := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Run(ctx, tenants))
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return &running{tenants: tenants, stop: stop}
}

func newBroker(t *testing.T) *realtime.Broker {
	broker := realtime.NewBroker(quietLogger())
	t.Cleanup(broker.Close)
	return broker
}

func ids(orders []models.Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

func TestNothingHappensBeforeTenant(t *testing.T) {
	backend := &fakeBackend{}
	broker := newBroker(t)
	b := New(backend, broker, quietLogger())
	run(t, b)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, backend.fetchCount())
	assert.Zero(t, broker.SubscriberCount(""))
	assert.ErrorIs(t, b.Accept(context.Background(), "o1"), ErrNoTenant)
}

func TestAcceptMovesOrderToPreparing(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending), order("o2", "t1", models.StatusPending))
	notes := &Recorder{}
	b := New(backend, newBroker(t), quietLogger(), WithNotifier(notes))
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return len(b.Lanes().Pending) == 2 }, waitFor, tick)

	_, err := b.OpenDetail("o1")
	require.NoError(t, err)

	require.NoError(t, b.Accept(context.Background(), "o1"))

	lanes := b.Lanes()
	assert.Equal(t, []string{"o2"}, ids(lanes.Pending))
	assert.Equal(t, []string{"o1"}, ids(lanes.Preparing))
	assert.Equal(t, []statusUpdate{{"o1", models.StatusPreparing}}, backend.updateLog())

	all := notes.All()
	require.Len(t, all, 1)
	assert.Equal(t, LevelSuccess, all[0].Level)
	assert.Equal(t, MsgOrderAccepted, all[0].Key)
	assert.Equal(t, "Order accepted", all[0].Title)
	assert.Equal(t, "o1", all[0].OrderID)

	_, open := b.Detail()
	assert.False(t, open, "detail view closes after a successful action")
}

func TestFailedUpdateLeavesOrderInPlace(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusReady))
	notes := &Recorder{}
	b := New(backend, newBroker(t), quietLogger(), WithNotifier(notes))
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return len(b.Lanes().Ready) == 1 }, waitFor, tick)
	_, err := b.OpenDetail("o1")
	require.NoError(t, err)

	backend.mu.Lock()
	backend.updateErr = errors.New("dial tcp: network is unreachable")
	backend.mu.Unlock()

	err = b.MarkCompleted(context.Background(), "o1")
	require.Error(t, err)

	lanes := b.Lanes()
	assert.Equal(t, []string{"o1"}, ids(lanes.Ready))
	assert.Empty(t, lanes.Completed)
	assert.Equal(t, models.StatusReady, b.Orders()[0].Status)

	all := notes.All()
	require.Len(t, all, 1)
	assert.Equal(t, LevelError, all[0].Level)
	assert.Equal(t, MsgUpdateFailed, all[0].Key)

	d, open := b.Detail()
	assert.True(t, open)
	assert.Equal(t, models.StatusReady, d.Status)
}

func TestUnavailableActionsNeverReachBackend(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending), order("o2", "t1", models.StatusConfirmed))
	notes := &Recorder{}
	b := New(backend, newBroker(t), quietLogger(), WithNotifier(notes))
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return b.Lanes().Len() == 2 }, waitFor, tick)
	ctx := context.Background()

	assert.ErrorIs(t, b.MarkCompleted(ctx, "o1"), ErrActionUnavailable)
	assert.ErrorIs(t, b.MarkReady(ctx, "o1"), ErrActionUnavailable)
	assert.ErrorIs(t, b.Accept(ctx, "o2"), ErrActionUnavailable)
	assert.ErrorIs(t, b.Reject(ctx, "missing"), ErrUnknownOrder)
	assert.Empty(t, backend.updateLog())
	assert.Empty(t, notes.All())

	// confirmed renders as preparing and can be marked ready.
	assert.Equal(t, []string{"o2"}, ids(b.Lanes().Preparing))
	require.NoError(t, b.MarkReady(ctx, "o2"))
	assert.Equal(t, []string{"o2"}, ids(b.Lanes().Ready))
}

func TestRejectRemovesOrderFromLanes(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending))
	notes := &Recorder{}
	b := New(backend, newBroker(t), quietLogger(), WithNotifier(notes), WithLanguage(Arabic))
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return len(b.Lanes().Pending) == 1 }, waitFor, tick)

	require.NoError(t, b.Reject(context.Background(), "o1"))
	assert.Zero(t, b.Lanes().Len())
	require.Len(t, notes.All(), 1)
	assert.Equal(t, LevelWarning, notes.All()[0].Level)
	assert.Equal(t, "تم رفض الطلب", notes.All()[0].Title)
}

func TestAnySignalTriggersFullRefetch(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending))
	broker := newBroker(t)
	b := New(backend, broker, quietLogger())

	var changes atomic.Int32
	b.OnChange(func(lifecycle.Lanes) { changes.Add(1) })
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return broker.SubscriberCount("t1") == 1 && len(b.Orders()) == 1 }, waitFor, tick)
	before := backend.fetchCount()

	backend.set(order("o1", "t1", models.StatusPreparing), order("o9", "t1", models.StatusPending))
	// The payload names an unrelated order; it does not matter.
	require.NoError(t, broker.PublishChange(context.Background(), models.ChangeEvent{Type: models.ChangeDelete, TenantID: "t1", OrderID: "zzz"}))

	require.Eventually(t, func() bool { return len(b.Orders()) == 2 }, waitFor, tick)
	lanes := b.Lanes()
	assert.Equal(t, []string{"o9"}, ids(lanes.Pending))
	assert.Equal(t, []string{"o1"}, ids(lanes.Preparing))
	assert.Greater(t, backend.fetchCount(), before)
	assert.GreaterOrEqual(t, changes.Load(), int32(2))

	fetches := backend.fetchCount()
	require.NoError(t, broker.PublishChange(context.Background(), models.ChangeEvent{Type: models.ChangeInsert, TenantID: "t2"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, fetches, backend.fetchCount(), "other tenants' changes are not seen")
}

func TestFetchFailureKeepsWorkingSet(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending))
	broker := newBroker(t)
	notes := &Recorder{}
	b := New(backend, broker, quietLogger(), WithNotifier(notes))
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return broker.SubscriberCount("t1") == 1 && len(b.Orders()) == 1 }, waitFor, tick)

	backend.mu.Lock()
	backend.fetchErr = errors.New("502 bad gateway")
	backend.orders = nil
	backend.mu.Unlock()
	require.NoError(t, broker.PublishChange(context.Background(), models.ChangeEvent{TenantID: "t1"}))

	require.Eventually(t, func() bool { return len(notes.All()) == 1 }, waitFor, tick)
	assert.Equal(t, MsgLoadFailed, notes.All()[0].Key)
	assert.Equal(t, "Failed to load orders", notes.All()[0].Title)
	assert.Equal(t, []string{"o1"}, ids(b.Orders()))
}

func TestTenantChangeReleasesSubscription(t *testing.T) {
	backend := &fakeBackend{}
	broker := newBroker(t)
	b := New(backend, broker, quietLogger())
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return broker.SubscriberCount("t1") == 1 }, waitFor, tick)

	r.tenants <- "t2"
	require.Eventually(t, func() bool {
		return broker.SubscriberCount("t1") == 0 && broker.SubscriberCount("t2") == 1
	}, waitFor, tick)
	assert.Equal(t, "t2", b.Tenant())

	r.tenants <- ""
	require.Eventually(t, func() bool { return broker.SubscriberCount("t2") == 0 }, waitFor, tick)
	assert.Empty(t, b.Tenant())
	assert.Empty(t, b.Orders())
}

func TestStaleFetchIsDiscarded(t *testing.T) {
	backend := &fakeBackend{block: make(chan struct{})}
	backend.set(order("a1", "", models.StatusPending))
	b := New(backend, newBroker(t), quietLogger())
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return backend.fetchCount() == 1 }, waitFor, tick)

	// t1's fetch is still in flight and returns a1 once it gives up.
	backend.set(order("b1", "", models.StatusPending))
	r.tenants <- "t2"

	require.Eventually(t, func() bool { return len(b.Orders()) == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"b1"}, ids(b.Orders()))
}

func TestForeignTenantOrdersAreDropped(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending), order("x1", "t2", models.StatusPending))
	b := New(backend, newBroker(t), quietLogger())
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return backend.fetchCount() >= 1 && len(b.Orders()) > 0 }, waitFor, tick)
	assert.Equal(t, []string{"o1"}, ids(b.Orders()))
}

type fakeSub struct {
	ch     chan models.ChangeEvent
	once   sync.Once
	closed atomic.Bool
}

func (s *fakeSub) Events() <-chan models.ChangeEvent { return s.ch }

func (s *fakeSub) drop() { s.once.Do(func() { close(s.ch) }) }

func (s *fakeSub) Close() error {
	s.closed.Store(true)
	s.drop()
	return nil
}

type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
	fail atomic.Int32
	// attached runs inside every successful Subscribe, before it returns.
	attached func()
}

func (f *fakeSource) Subscribe(ctx context.Context, _ string) (realtime.Subscription, error) {
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return nil, errors.New("connection refused")
	}
	if f.attached != nil {
		f.attached()
	}
	s := &fakeSub{ch: make(chan models.ChangeEvent, 1)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSource) all() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSub(nil), f.subs...)
}

func TestResubscribesAfterFeedLoss(t *testing.T) {
	backend := &fakeBackend{}
	source := &fakeSource{}
	source.fail.Store(1)
	b := New(backend, source, quietLogger(), WithResubscribeDelay(10*time.Millisecond))
	r := run(t, b)

	r.tenants <- "t1"
	// One fetch while the feed is down, one once it is up.
	require.Eventually(t, func() bool { return len(source.all()) == 1 && backend.fetchCount() == 2 }, waitFor, tick)

	source.all()[0].drop()
	require.Eventually(t, func() bool { return len(source.all()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return backend.fetchCount() == 3 }, waitFor, tick, "refetch after resubscribing")

	source.all()[1].ch <- models.ChangeEvent{}
	require.Eventually(t, func() bool { return backend.fetchCount() == 4 }, waitFor, tick)

	r.stop()
	for i, s := range source.all() {
		assert.True(t, s.closed.Load(), "subscription %d released", i)
	}
}

func TestRefreshRequest(t *testing.T) {
	backend := &fakeBackend{}
	source := &fakeSource{}
	b := New(backend, source, quietLogger())
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return len(source.all()) == 1 && backend.fetchCount() == 1 }, waitFor, tick)

	b.Refresh()
	require.Eventually(t, func() bool { return backend.fetchCount() == 2 }, waitFor, tick)
}

func TestChangeDuringAttachIsNotMissed(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending))
	source := &fakeSource{}
	var once sync.Once
	source.attached = func() {
		// Another register creates an order while the feed is attaching.
		once.Do(func() {
			backend.set(order("o1", "t1", models.StatusPending), order("o2", "t1", models.StatusPending))
		})
	}
	b := New(backend, source, quietLogger())
	r := run(t, b)

	r.tenants <- "t1"
	require.Eventually(t, func() bool { return len(source.all()) == 1 && backend.fetchCount() >= 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(b.Orders()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{"o1", "o2"}, ids(b.Lanes().Pending))
	assert.Equal(t, 1, backend.fetchCount(), "one fetch once the feed is up")
}

func TestCloseDetail(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPending))
	b := New(backend, nil, quietLogger())
	require.NoError(t, b.Load(context.Background(), "t1"))

	_, err := b.OpenDetail("missing")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	d, err := b.OpenDetail("o1")
	require.NoError(t, err)
	assert.Equal(t, "o1", d.ID)
	d, open := b.Detail()
	require.True(t, open)
	assert.Equal(t, "o1", d.ID)

	b.CloseDetail()
	_, open = b.Detail()
	assert.False(t, open)
}

func TestLoadOnce(t *testing.T) {
	backend := &fakeBackend{}
	backend.set(order("o1", "t1", models.StatusPreparing))
	notes := &Recorder{}
	b := New(backend, nil, quietLogger(), WithNotifier(notes))
	ctx := context.Background()

	assert.ErrorIs(t, b.Load(ctx, ""), ErrNoTenant)
	require.NoError(t, b.Load(ctx, "t1"))
	assert.Equal(t, []string{"o1"}, ids(b.Lanes().Preparing))
	require.NoError(t, b.Apply(ctx, "o1", lifecycle.ActionMarkReady))
	assert.Equal(t, []string{"o1"}, ids(b.Lanes().Ready))

	backend.mu.Lock()
	backend.fetchErr = errors.New("timeout")
	backend.mu.Unlock()
	assert.Error(t, b.Load(ctx, "t1"))
	assert.Equal(t, []MessageKey{MsgOrderReady, MsgLoadFailed}, notes.Keys())
	assert.Equal(t, []string{"o1"}, ids(b.Orders()), "same tenant keeps its working set")
}
