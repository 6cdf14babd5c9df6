package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/orderboard/internal/realtime"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// Dialer subscribes to a remote order service's /ws feed. It satisfies
// realtime.Subscriber, so a board does not care whether its signals come
// from an in-process broker or over the network.
type Dialer struct {
	url    string
	token  string
	dialer *websocket.Dialer
	logger *logrus.Logger
}

// NewDialer takes the service base URL (http or https) and a bearer token
// whose tenant the feed will be scoped to.
func NewDialer(baseURL, token string, logger *logrus.Logger) (*Dialer, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return &Dialer{
		url:   u.String(),
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}, nil
}

func (d *Dialer) Subscribe(ctx context.Context, tenantID string) (realtime.Subscription, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+d.token)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}

	sub := &remoteSubscription{
		conn:     conn,
		tenantID: tenantID,
		events:   make(chan models.ChangeEvent, 16),
		done:     make(chan struct{}),
		logger:   d.logger,
	}
	go sub.readLoop()

	d.logger.WithField("tenant_id", tenantID).Info("Subscribed to order changes")
	return sub, nil
}

type remoteSubscription struct {
	conn      *websocket.Conn
	tenantID  string
	events    chan models.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
}

func (s *remoteSubscription) Events() <-chan models.ChangeEvent {
	return s.events
}

// Close ends the feed and waits for the reader to stop.
func (s *remoteSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *remoteSubscription) readLoop() {
	defer close(s.done)
	defer close(s.events)

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).WithField("tenant_id", s.tenantID).Warn("Order change feed dropped")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Warn("Ignoring malformed change message")
			continue
		}
		if msg.Type != MessageOrderChanged {
			continue
		}

		select {
		case s.events <- msg.Data:
		default:
			// A refetch is already pending.
		}
	}
}
