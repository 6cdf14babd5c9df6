// Package realtime carries "something changed" signals for a tenant's
// orders from the service to whoever is watching the board.
package realtime

import (
	"context"
	"sync"

	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// Subscription is a live change feed. Events is closed once the
// subscription ends, either through Close or because the source went away.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, tenantID string) (Subscription, error)
}

const defaultBuffer = 16

// Broker is an in-process, tenant-scoped fan-out.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
	logger *logrus.Logger
}

func NewBroker(logger *logrus.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[*localSubscription]struct{}),
		logger: logger,
	}
}

type localSubscription struct {
	broker   *Broker
	tenantID string
	ch       chan models.ChangeEvent
	once     sync.Once
}

func (s *localSubscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

func (s *localSubscription) Close() error {
	s.broker.remove(s)
	return nil
}

// Subscribe registers a feed for tenantID. The context only bounds the
// registration itself; the feed lives until Close.
func (b *Broker) Subscribe(ctx context.Context, tenantID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &localSubscription{
		broker:   b,
		tenantID: tenantID,
		ch:       make(chan models.ChangeEvent, defaultBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub, nil
	}
	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[*localSubscription]struct{})
	}
	b.subs[tenantID][sub] = struct{}{}
	count := len(b.subs[tenantID])
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"subscribers": count,
	}).Debug("Realtime subscription opened")

	return sub, nil
}

func (b *Broker) remove(s *localSubscription) {
	b.mu.Lock()
	if set, ok := b.subs[s.tenantID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.tenantID)
		}
	}
	b.mu.Unlock()

	s.once.Do(func() { close(s.ch) })
}

// PublishChange delivers event to every subscriber of its tenant. A
// subscriber whose buffer is full already has a signal pending, so the
// event is dropped for it rather than blocking the publisher.
func (b *Broker) PublishChange(_ context.Context, event models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[event.TenantID] {
		select {
		case sub.ch <- event:
		default:
			b.logger.WithField("tenant_id", event.TenantID).Debug("Subscriber has pending signal, coalescing")
		}
	}
	return nil
}

// Resync signals every subscriber of every tenant. Used after the upstream
// feed reconnects and may have missed notifications.
func (b *Broker) Resync() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for tenantID, set := range b.subs {
		event := models.ChangeEvent{Type: models.ChangeUpdate, TenantID: tenantID}
		for sub := range set {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

func (b *Broker) SubscriberCount(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tenantID])
}

// Close ends every subscription and rejects new ones.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	var all []*localSubscription
	for _, set := range b.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[*localSubscription]struct{})
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}
