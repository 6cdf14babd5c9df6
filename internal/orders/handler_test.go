package orders_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/jogardn/orderboard/internal/auth"
	"github.com/jogardn/orderboard/internal/orders"
	"github.com/jogardn/orderboard/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	*fixture
	router *mux.Router
	auth   *auth.Authenticator
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := newFixture(t, nil)
	logger := quietLogger()
	authn := auth.NewAuthenticator("test-secret", logger)

	h := orders.NewHandler(f.svc, logger)
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	api := router.NewRoute().Subrouter()
	api.Use(authn.Middleware)
	h.Register(api)

	return &apiFixture{fixture: f, router: router, auth: authn}
}

func (f *apiFixture) do(t *testing.T, tenant, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		token, err := f.auth.IssueToken("staff-1", tenant, models.RoleCashier)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) *models.Order {
	t.Helper()
	var resp models.OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotNil(t, resp.Order)
	return resp.Order
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) orders.APIError {
	t.Helper()
	var apiErr orders.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.False(t, apiErr.Success)
	return apiErr
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOrdersRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, "", http.MethodGet, "/orders/active", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndFetchOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "t1", http.MethodPost, "/orders", draft("Sara"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeOrder(t, rec)
	assert.Equal(t, "001", created.OrderNumber)
	assert.Equal(t, "66.7", created.Total.String())

	rec = f.do(t, "t1", http.MethodGet, "/orders/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeOrder(t, rec).ID)

	rec = f.do(t, "t2", http.MethodGet, "/orders/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "tenants never see each other's orders")
	assert.Equal(t, orders.ErrCodeNotFound, decodeError(t, rec).Code)

	rec = f.do(t, "t1", http.MethodGet, "/orders/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.OrderListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestCreateValidationError(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, "t1", http.MethodPost, "/orders", draft(""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, orders.ErrCodeValidationFailed, decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString("{not json"))
	token, _ := f.auth.IssueToken("staff-1", "t1", models.RoleCashier)
	req.Header.Set("Authorization", "Bearer "+token)
	bad := httptest.NewRecorder()
	f.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestUpdateStatusOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeOrder(t, f.do(t, "t1", http.MethodPost, "/orders", draft("Sara")))
	path := "/orders/" + created.ID + "/status"

	rec := f.do(t, "t1", http.MethodPatch, path, models.StatusUpdateRequest{Status: models.StatusPreparing})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusPreparing, decodeOrder(t, rec).Status)

	rec = f.do(t, "t1", http.MethodPatch, path, models.StatusUpdateRequest{Status: models.StatusCancelled})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, orders.ErrCodeInvalidTransition, decodeError(t, rec).Code)

	rec = f.do(t, "t1", http.MethodPatch, path, models.StatusUpdateRequest{Status: "lost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "t1", http.MethodPatch, path, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOrdersQuery(t *testing.T) {
	f := newAPIFixture(t)
	for _, name := range []string{"A", "B", "C"} {
		f.do(t, "t1", http.MethodPost, "/orders", draft(name))
	}

	rec := f.do(t, "t1", http.MethodGet, "/orders?status=pending,ready&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.OrderListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rec = f.do(t, "t1", http.MethodGet, "/orders?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "t1", http.MethodGet, "/orders?status=unknown", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
