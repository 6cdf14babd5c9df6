package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jogardn/orderboard/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// NotifyPublisher sends change signals through Postgres NOTIFY so that every
// service instance listening on ChangeChannel sees them.
type NotifyPublisher struct {
	db *sql.DB
}

func NewNotifyPublisher(db *sql.DB) *NotifyPublisher {
	return &NotifyPublisher{db: db}
}

func (p *NotifyPublisher) PublishChange(ctx context.Context, event models.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChangeChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", ChangeChannel, err)
	}
	return nil
}

// ChangeSink receives what the listener hears.
type ChangeSink interface {
	PublishChange(ctx context.Context, event models.ChangeEvent) error
	Resync()
}

// ChangeListener bridges Postgres LISTEN into a ChangeSink.
type ChangeListener struct {
	dsn    string
	sink   ChangeSink
	logger *logrus.Logger
}

func NewChangeListener(dsn string, sink ChangeSink, logger *logrus.Logger) *ChangeListener {
	return &ChangeListener{dsn: dsn, sink: sink, logger: logger}
}

// Run listens until ctx is cancelled. After a dropped connection the
// listener reconnects on its own and the sink is told to resync, since
// notifications sent in between are lost.
func (l *ChangeListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.logger.WithError(err).Warn("Change listener lost database connection")
		case pq.ListenerEventReconnected:
			l.logger.Info("Change listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChangeChannel); err != nil {
		return fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	l.logger.WithField("channel", ChangeChannel).Info("Listening for order changes")

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Change listener stopped")
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Sent by pq after a reconnect.
				l.sink.Resync()
				continue
			}
			var event models.ChangeEvent
			if err := json.Unmarshal([]byte(n.Extra), &event); err != nil {
				l.logger.WithError(err).WithField("payload", n.Extra).Error("Failed to decode change notification")
				continue
			}
			if err := l.sink.PublishChange(ctx, event); err != nil {
				l.logger.WithError(err).Error("Failed to forward change notification")
			}

		case <-ticker.C:
			go listener.Ping()
		}
	}
}
