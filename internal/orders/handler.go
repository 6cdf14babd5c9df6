package orders

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

const maxListLimit = 500

type Handler struct {
	service *Service
	logger  *logrus.Logger
}

func NewHandler(service *Service, logger *logrus.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the order routes. The router is expected to run the auth
// middleware so that every request carries a tenant.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/orders/active", h.ActiveOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet)
	r.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	r.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods(http.MethodPatch)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "order-service",
			"error":   "database connection failed",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-service",
	})
}

func (h *Handler) ActiveOrders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	list, err := h.service.ActiveOrders(r.Context(), tenantID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get active orders")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderListResponse{
		Success: true,
		Orders:  nonNil(list),
		Count:   len(list),
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		h.respondWithError(w, NewAPIError(http.StatusBadRequest, ErrCodeBadRequest, err.Error()))
		return
	}

	list, err := h.service.ListOrders(r.Context(), tenantID, filter)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get orders")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"count":     len(list),
	}).Debug("Retrieved orders")

	h.respondWithJSON(w, http.StatusOK, models.OrderListResponse{
		Success: true,
		Orders:  nonNil(list),
		Count:   len(list),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), tenantID, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to get order")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: order})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var draft Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		h.logger.WithError(err).Warn("Failed to decode order request")
		h.respondWithError(w, NewAPIError(http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body"))
		return
	}

	order, err := h.service.CreateOrder(r.Context(), tenantID, draft)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to create order")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, models.OrderResponse{
		Success: true,
		Message: "Order created successfully",
		Order:   order,
	})
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req models.StatusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, NewAPIError(http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body"))
		return
	}
	if req.Status == "" {
		h.respondWithError(w, NewAPIError(http.StatusBadRequest, ErrCodeValidationFailed, "status is required"))
		return
	}

	// The server clock decides updated_at; a skewed register clock would
	// otherwise reorder the board.
	order, err := h.service.UpdateStatus(r.Context(), tenantID, mux.Vars(r)["id"], req.Status, time.Time{})
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to update order status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order status updated",
		Order:   order,
	})
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := auth.TenantFromContext(r.Context())
	if tenantID == "" {
		h.respondWithError(w, NewAPIError(http.StatusUnauthorized, ErrCodeUnauthorized, "Missing tenant"))
		return "", false
	}
	return tenantID, true
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	var filter ListFilter

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.Statuses = append(filter.Statuses, models.OrderStatus(s))
			}
		}
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		return filter, errors.New("limit must be a non-negative integer")
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		return filter, errors.New("offset must be a non-negative integer")
	}
	if filter.CreatedFrom, err = timeParam(q.Get("from")); err != nil {
		return filter, errors.New("from must be RFC3339 or YYYY-MM-DD")
	}
	if filter.CreatedTo, err = timeParam(q.Get("to")); err != nil {
		return filter, errors.New("to must be RFC3339 or YYYY-MM-DD")
	}
	return filter, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func nonNil(list []models.Order) []models.Order {
	if list == nil {
		return []models.Order{}
	}
	return list
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error, logMessage string) {
	apiErr := toAPIError(err)
	entry := h.logger.WithError(err).WithField("code", apiErr.Code)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		entry.Error(logMessage)
	} else {
		entry.Info(logMessage)
	}
	h.respondWithError(w, apiErr)
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, apiErr *APIError) {
	apiErr.Success = false
	h.respondWithJSON(w, apiErr.StatusCode, apiErr)
}
