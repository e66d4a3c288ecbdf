package interfaces

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus-inventory/internal/pkg/lock"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
	"nexus-inventory/internal/service/inventory/infrastructure"
)

func newTestServer(t *testing.T) (*httptest.Server, lock.Locker) {
	t.Helper()
	locker := lock.NewKeyedMutex(20 * time.Millisecond)
	inventory := infrastructure.NewMemoryInventoryStore(locker)
	inventory.Put(domain.NewInventoryItem("LAPTOP-001", "Laptop", 100, time.Now()))
	engine := application.NewReservationEngine(inventory, infrastructure.NewMemoryReservationLedger(locker))

	mux := http.NewServeMux()
	NewInventoryHandler(engine).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, locker
}

func do(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/inventory/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "UP", body["status"])
	assert.Equal(t, "Inventory Reservation System", body["service"])
}

func TestReserveConfirmFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/inventory/reserve", map[string]interface{}{"sku": "LAPTOP-001", "quantity": 10})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ACTIVE", body["status"])
	assert.Equal(t, "Laptop", body["productName"])
	id := body["reservationId"].(string)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/inventory/LAPTOP-001", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 90, body["availableQuantity"])
	assert.EqualValues(t, 10, body["reservedQuantity"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/inventory/confirm/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "orderId is required")
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/inventory/confirm/"+id+"?orderId=ORDER-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, "ORDER-1", body["orderId"])

	resp, body = do(t, http.MethodPost, srv.URL+"/api/inventory/release/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "INVALID_STATE_TRANSITION", body["code"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/inventory/reservations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CONFIRMED", body["status"])
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown sku", http.MethodGet, "/api/inventory/NOPE", nil, http.StatusNotFound, "INVENTORY_NOT_FOUND"},
		{"unknown reservation", http.MethodPost, "/api/inventory/release/missing", nil, http.StatusNotFound, "RESERVATION_NOT_FOUND"},
		{"insufficient", http.MethodPost, "/api/inventory/reserve", map[string]interface{}{"sku": "LAPTOP-001", "quantity": 150}, http.StatusUnprocessableEntity, "INSUFFICIENT_INVENTORY"},
		{"zero quantity", http.MethodPost, "/api/inventory/reserve", map[string]interface{}{"sku": "LAPTOP-001", "quantity": 0}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"malformed body", http.MethodPost, "/api/inventory/reserve", "not an object", http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
			assert.Equal(t, false, body["success"])
		})
	}
}

func TestContentionReturnsRetryAfter(t *testing.T) {
	srv, locker := newTestServer(t)

	release, err := locker.Acquire(t.Context(), "inventory:LAPTOP-001")
	require.NoError(t, err)
	defer release()

	resp, body := do(t, http.MethodPost, srv.URL+"/api/inventory/reserve", map[string]interface{}{"sku": "LAPTOP-001", "quantity": 1})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "CONTENTION_TIMEOUT", body["code"])
}
