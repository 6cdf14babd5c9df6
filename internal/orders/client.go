package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jogardn/orderboard/internal/circuitbreaker"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// Client talks to the order service on behalf of a signed-in staff member.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

func NewClient(baseURL, token string, timeout time.Duration, logger *logrus.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "order-service",
			MaxFailures: 5,
			OpenTimeout: 15 * time.Second,
			IsFailure:   isBackendFailure,
		}, logger)
	}
	return c
}

// isBackendFailure counts transport errors and 5xx answers against the
// breaker. A rejected transition is the caller's problem, not the backend's.
func isBackendFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) FetchActiveOrders(ctx context.Context) ([]models.Order, error) {
	var resp models.OrderListResponse
	if err := c.do(ctx, http.MethodGet, "/orders/active", nil, &resp); err != nil {
		return nil, err
	}
	c.logger.WithField("count", resp.Count).Debug("Fetched active orders")
	return resp.Orders, nil
}

func (c *Client) ListOrders(ctx context.Context, filter ListFilter) ([]models.Order, error) {
	q := url.Values{}
	for _, s := range filter.Statuses {
		q.Add("status", string(s))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if !filter.CreatedFrom.IsZero() {
		q.Set("from", filter.CreatedFrom.Format(time.RFC3339))
	}
	if !filter.CreatedTo.IsZero() {
		q.Set("to", filter.CreatedTo.Format(time.RFC3339))
	}
	path := "/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp models.OrderListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var resp models.OrderResponse
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Order, nil
}

func (c *Client) CreateOrder(ctx context.Context, draft Draft) (*models.Order, error) {
	var resp models.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", draft, &resp); err != nil {
		return nil, err
	}
	if resp.Order == nil {
		return nil, errors.New("order service returned no order")
	}

	c.logger.WithFields(logrus.Fields{
		"order_id":     resp.Order.ID,
		"order_number": resp.Order.OrderNumber,
	}).Info("Order submitted")
	return resp.Order, nil
}

func (c *Client) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	body := models.StatusUpdateRequest{Status: status, UpdatedAt: time.Now().UTC()}
	var resp models.OrderResponse
	if err := c.do(ctx, http.MethodPatch, "/orders/"+url.PathEscape(orderID)+"/status", body, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"status":   status,
	}).Info("Order status updated")
	return resp.Order, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return c.decodeError(method, path, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
		return nil
	})
}

func (c *Client) decodeError(method, path string, resp *http.Response) error {
	be := &BackendError{StatusCode: resp.StatusCode}
	var apiErr APIError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr); err == nil {
		be.Code = apiErr.Code
		be.Message = apiErr.Message
	}
	if be.Message == "" {
		be.Message = http.StatusText(resp.StatusCode)
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": be.StatusCode,
		"code":        be.Code,
	}).Warn("Order service rejected request")
	return be
}
