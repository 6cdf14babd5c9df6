// Package board keeps a cashier's live view of a tenant's active orders.
//
// The board never patches its working set from realtime payloads. Any
// change signal for the tenant triggers a full refetch of the active
// orders, which replaces the working set wholesale.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jogardn/orderboard/internal/lifecycle"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultResubscribeDelay = 2 * time.Second

var (
	ErrUnknownOrder       = errors.New("order is not on the board")
	ErrActionUnavailable  = errors.New("action not available for this order")
	ErrNoTenant           = errors.New("board has no tenant")
	ErrSubmitInProgress   = errors.New("order submission already in progress")
	errSubscriptionClosed = errors.New("change feed closed")
)

// Backend is the part of the order service the board talks to. The
// backend is already scoped to the signed-in tenant.
type Backend interface {
	FetchActiveOrders(ctx context.Context) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
}

type Board struct {
	backend          Backend
	source           realtime.Subscriber
	notifier         Notifier
	lang             Language
	resubscribeDelay time.Duration
	logger           *logrus.Logger

	refreshReq chan struct{}

	mu       sync.Mutex
	tenantID string
	gen      uint64
	orders   []models.Order
	detailID string
	onChange func(lifecycle.Lanes)
}

type Option func(*Board)

func WithNotifier(n Notifier) Option {
	return func(b *Board) { b.notifier = n }
}

func WithLanguage(lang Language) Option {
	return func(b *Board) { b.lang = lang }
}

func WithResubscribeDelay(d time.Duration) Option {
	return func(b *Board) { b.resubscribeDelay = d }
}

func New(backend Backend, source realtime.Subscriber, logger *logrus.Logger, opts ...Option) *Board {
	b := &Board{
		backend:          backend,
		source:           source,
		notifier:         LogNotifier{Logger: logger},
		lang:             English,
		resubscribeDelay: DefaultResubscribeDelay,
		logger:           logger,
		refreshReq:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnChange registers fn to be called with the new lanes after every change
// to the working set. fn runs on the goroutine that made the change.
func (b *Board) OnChange(fn func(lifecycle.Lanes)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Run drives sessions from tenant ids received on tenants until ctx is
// done. Nothing is fetched before the first id. Each id replaces the
// previous session; an empty id ends the current one without starting
// another. A closed tenants channel leaves the current session running.
func (b *Board) Run(ctx context.Context, tenants <-chan string) error {
	var (
		wg     sync.WaitGroup
		cancel context.CancelFunc
	)
	stop := func() {
		if cancel != nil {
			cancel()
			wg.Wait()
			cancel = nil
		}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tenantID, ok := <-tenants:
			if !ok {
				tenants = nil
				continue
			}
			stop()
			gen := b.startSession(tenantID)
			if tenantID == "" {
				b.logger.Info("Board session ended")
				continue
			}

			var sctx context.Context
			sctx, cancel = context.WithCancel(ctx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.session(sctx, tenantID, gen)
			}()
		}
	}
}

func (b *Board) startSession(tenantID string) uint64 {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	changed := b.tenantID != tenantID
	b.tenantID = tenantID
	var lanes lifecycle.Lanes
	var fn func(lifecycle.Lanes)
	if changed {
		b.orders = nil
		b.detailID = ""
		fn = b.onChange
	}
	b.mu.Unlock()

	if fn != nil {
		fn(lanes)
	}
	return gen
}

func (b *Board) session(ctx context.Context, tenantID string, gen uint64) {
	log := b.logger.WithField("tenant_id", tenantID)
	log.Info("Board session started")

	loaded := false
	for {
		sub, err := b.source.Subscribe(ctx, tenantID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to subscribe to order changes")
			// Show what we can while the feed is down.
			if !loaded {
				b.refresh(ctx, gen)
				loaded = true
			}
			if !b.wait(ctx, gen) {
				return
			}
			continue
		}
		// Fetch only once the feed is up; a change landing before the
		// subscription would otherwise never reach the working set.
		b.refresh(ctx, gen)
		loaded = true

		err = b.watch(ctx, sub, gen)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("Order change feed lost, resubscribing")
		if !b.wait(ctx, gen) {
			return
		}
	}
}

// watch refetches on every signal until the feed closes or ctx is done.
// The subscription is always released before watch returns.
func (b *Board) watch(ctx context.Context, sub realtime.Subscription, gen uint64) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Events():
			if !ok {
				return errSubscriptionClosed
			}
			drain(sub.Events())
			b.refresh(ctx, gen)
		case <-b.refreshReq:
			b.refresh(ctx, gen)
		}
	}
}

// drain discards queued signals; the next fetch covers them all.
func drain(ch <-chan models.ChangeEvent) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// wait sleeps for the resubscribe delay, still serving refresh requests.
func (b *Board) wait(ctx context.Context, gen uint64) bool {
	timer := time.NewTimer(b.resubscribeDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-b.refreshReq:
			b.refresh(ctx, gen)
		}
	}
}

// Refresh asks the running session for a full refetch.
func (b *Board) Refresh() {
	select {
	case b.refreshReq <- struct{}{}:
	default:
	}
}

func (b *Board) refresh(ctx context.Context, gen uint64) {
	list, err := b.backend.FetchActiveOrders(ctx)
	if ctx.Err() != nil {
		return
	}

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	if err != nil {
		b.mu.Unlock()
		b.logger.WithError(err).WithField("tenant_id", b.Tenant()).Error("Failed to load orders")
		b.notify(LevelError, MsgLoadFailed, "")
		return
	}

	b.replaceLocked(list)
}

// replaceLocked swaps in a fetched list and unlocks b.mu.
func (b *Board) replaceLocked(list []models.Order) {
	kept := make([]models.Order, 0, len(list))
	for _, o := range list {
		if o.TenantID != "" && o.TenantID != b.tenantID {
			continue
		}
		kept = append(kept, o)
	}
	b.orders = kept
	lanes := lifecycle.Partition(kept)
	fn := b.onChange
	b.mu.Unlock()

	b.logger.WithField("count", len(kept)).Debug("Board refreshed")
	if fn != nil {
		fn(lanes)
	}
}

// Load fetches the working set for tenantID once, without subscribing.
// It is meant for one-shot use such as a single CLI command; it must not
// be mixed with Run.
func (b *Board) Load(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrNoTenant
	}
	gen := b.startSession(tenantID)
	list, err := b.backend.FetchActiveOrders(ctx)
	if err != nil {
		b.notify(LevelError, MsgLoadFailed, "")
		return fmt.Errorf("load orders: %w", err)
	}

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return nil
	}
	b.replaceLocked(list)
	return nil
}

func (b *Board) notify(level Level, key MessageKey, orderID string) {
	if b.notifier == nil {
		return
	}
	n := Localize(b.lang, level, key)
	n.OrderID = orderID
	b.notifier.Notify(n)
}

func (b *Board) Tenant() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tenantID
}

// Orders returns a copy of the working set.
func (b *Board) Orders() []models.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Order(nil), b.orders...)
}

func (b *Board) Lanes() lifecycle.Lanes {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lifecycle.Partition(b.orders)
}

func (b *Board) find(orderID string) (int, bool) {
	for i := range b.orders {
		if b.orders[i].ID == orderID {
			return i, true
		}
	}
	return -1, false
}

// OpenDetail selects an order for the detail view.
func (b *Board) OpenDetail(orderID string) (models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.find(orderID)
	if !ok {
		return models.Order{}, ErrUnknownOrder
	}
	b.detailID = orderID
	return b.orders[i], nil
}

func (b *Board) CloseDetail() {
	b.mu.Lock()
	b.detailID = ""
	b.mu.Unlock()
}

// Detail returns the order in the detail view as of the latest working
// set. It reports false when nothing is open or the order left the board.
func (b *Board) Detail() (models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detailID == "" {
		return models.Order{}, false
	}
	i, ok := b.find(b.detailID)
	if !ok {
		return models.Order{}, false
	}
	return b.orders[i], true
}

func (b *Board) Accept(ctx context.Context, orderID string) error {
	return b.apply(ctx, orderID, lifecycle.ActionAccept)
}

func (b *Board) Reject(ctx context.Context, orderID string) error {
	return b.apply(ctx, orderID, lifecycle.ActionReject)
}

func (b *Board) MarkReady(ctx context.Context, orderID string) error {
	return b.apply(ctx, orderID, lifecycle.ActionMarkReady)
}

func (b *Board) MarkCompleted(ctx context.Context, orderID string) error {
	return b.apply(ctx, orderID, lifecycle.ActionMarkCompleted)
}

var actionMessages = map[lifecycle.Action]struct {
	level Level
	key   MessageKey
}{
	lifecycle.ActionAccept:        {LevelSuccess, MsgOrderAccepted},
	lifecycle.ActionReject:        {LevelWarning, MsgOrderRejected},
	lifecycle.ActionMarkReady:     {LevelSuccess, MsgOrderReady},
	lifecycle.ActionMarkCompleted: {LevelSuccess, MsgOrderCompleted},
}

// Apply runs a transition against an order on the board. The working set
// only changes once the backend has confirmed the update.
func (b *Board) Apply(ctx context.Context, orderID string, action lifecycle.Action) error {
	return b.apply(ctx, orderID, action)
}

func (b *Board) apply(ctx context.Context, orderID string, action lifecycle.Action) error {
	b.mu.Lock()
	if b.tenantID == "" {
		b.mu.Unlock()
		return ErrNoTenant
	}
	i, ok := b.find(orderID)
	if !ok {
		b.mu.Unlock()
		return ErrUnknownOrder
	}
	from := b.orders[i].Status
	gen := b.gen
	b.mu.Unlock()

	to, err := lifecycle.Next(from, action)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActionUnavailable, err)
	}

	log := b.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"action":   action,
		"from":     from,
		"to":       to,
	})

	updated, err := b.backend.UpdateOrderStatus(ctx, orderID, to)
	if err != nil {
		log.WithError(err).Error("Failed to update order")
		b.notify(LevelError, MsgUpdateFailed, orderID)
		return err
	}

	b.mu.Lock()
	if gen == b.gen {
		if i, ok := b.find(orderID); ok {
			b.orders[i].Status = to
			if updated != nil && !updated.UpdatedAt.IsZero() {
				b.orders[i].UpdatedAt = updated.UpdatedAt
			}
		}
	}
	if b.detailID == orderID {
		b.detailID = ""
	}
	lanes := lifecycle.Partition(b.orders)
	fn := b.onChange
	b.mu.Unlock()

	log.Info("Order status updated")
	msg := actionMessages[action]
	b.notify(msg.level, msg.key, orderID)
	if fn != nil {
		fn(lanes)
	}
	return nil
}
