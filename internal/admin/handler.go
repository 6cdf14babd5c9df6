// Package admin serves the back-office dashboard: KPIs, charts, customers
// and staff of the caller's tenant.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/circuitbreaker"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/internal/stats"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/sirupsen/logrus"
)

// customerHistoryDays bounds how far back the summary looks to tell new
// customers from returning ones.
const (
	customerHistoryDays = 90
	defaultTopItems     = 5
)

type OrderSource interface {
	ListOrders(ctx context.Context, tenantID string, filter orders.ListFilter) ([]models.Order, error)
	ListStaff(ctx context.Context, tenantID string) ([]models.StaffMember, error)
	Now() time.Time
	Location() *time.Location
}

type BreakerReporter interface {
	Snapshot() []circuitbreaker.Counts
}

type Handler struct {
	source   OrderSource
	breakers BreakerReporter
	logger   *logrus.Logger
}

func NewHandler(source OrderSource, breakers BreakerReporter, logger *logrus.Logger) *Handler {
	return &Handler{source: source, breakers: breakers, logger: logger}
}

// Register mounts the admin routes on r. Only admins get through.
func (h *Handler) Register(r *mux.Router) {
	sub := r.PathPrefix("/admin").Subrouter()
	sub.Use(auth.RequireRole(models.RoleAdmin))

	sub.HandleFunc("/stats/summary", h.Summary).Methods(http.MethodGet)
	sub.HandleFunc("/stats/revenue", h.Revenue).Methods(http.MethodGet)
	sub.HandleFunc("/stats/hourly", h.Hourly).Methods(http.MethodGet)
	sub.HandleFunc("/stats/top-items", h.TopItems).Methods(http.MethodGet)
	sub.HandleFunc("/customers", h.Customers).Methods(http.MethodGet)
	sub.HandleFunc("/staff", h.Staff).Methods(http.MethodGet)
	sub.HandleFunc("/breakers", h.Breakers).Methods(http.MethodGet)
}

func (h *Handler) dayStart(daysBack int) time.Time {
	loc := h.source.Location()
	now := h.source.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -daysBack)
}

// since loads every order created on or after the start of the business day
// daysBack days ago.
func (h *Handler) since(w http.ResponseWriter, r *http.Request, daysBack int) ([]models.Order, bool) {
	tenantID := auth.TenantFromContext(r.Context())
	list, err := h.source.ListOrders(r.Context(), tenantID, orders.ListFilter{CreatedFrom: h.dayStart(daysBack)})
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to load orders for stats")
		h.respondWithError(w, http.StatusInternalServerError, orders.ErrCodeInternalServerError, "Failed to load orders")
		return nil, false
	}
	return list, true
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	list, ok := h.since(w, r, customerHistoryDays)
	if !ok {
		return
	}
	h.respondWithData(w, stats.Summarize(list, h.source.Now(), h.source.Location()))
}

func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	list, ok := h.since(w, r, stats.RevenueDays-1)
	if !ok {
		return
	}
	h.respondWithData(w, stats.RevenueByDay(list, h.source.Now(), h.source.Location(), stats.RevenueDays))
}

func (h *Handler) Hourly(w http.ResponseWriter, r *http.Request) {
	list, ok := h.since(w, r, 0)
	if !ok {
		return
	}
	h.respondWithData(w, stats.Hourly(list, h.source.Now(), h.source.Location()))
}

func (h *Handler) TopItems(w http.ResponseWriter, r *http.Request) {
	limit := defaultTopItems
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondWithError(w, http.StatusBadRequest, orders.ErrCodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 365 {
			h.respondWithError(w, http.StatusBadRequest, orders.ErrCodeBadRequest, "days must be between 1 and 365")
			return
		}
		days = n
	}

	list, ok := h.since(w, r, days-1)
	if !ok {
		return
	}
	h.respondWithData(w, stats.TopItems(list, limit))
}

func (h *Handler) Customers(w http.ResponseWriter, r *http.Request) {
	list, ok := h.since(w, r, customerHistoryDays)
	if !ok {
		return
	}
	h.respondWithData(w, stats.Customers(list))
}

func (h *Handler) Staff(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	staff, err := h.source.ListStaff(r.Context(), tenantID)
	if err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to load staff")
		h.respondWithError(w, http.StatusInternalServerError, orders.ErrCodeInternalServerError, "Failed to load staff")
		return
	}
	if staff == nil {
		staff = []models.StaffMember{}
	}
	h.respondWithData(w, staff)
}

func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		h.respondWithData(w, []circuitbreaker.Counts{})
		return
	}
	h.respondWithData(w, h.breakers.Snapshot())
}

func (h *Handler) respondWithData(w http.ResponseWriter, data interface{}) {
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
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

func (h *Handler) respondWithError(w http.ResponseWriter, code int, errCode, message string) {
	apiErr := orders.NewAPIError(code, errCode, message)
	h.respondWithJSON(w, code, apiErr)
}
