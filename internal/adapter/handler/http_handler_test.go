package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rl1809/bundle-ledger/internal/adapter/report"
	"github.com/rl1809/bundle-ledger/internal/adapter/storage"
	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/core/service"
)

// brokenRepo fails every read after the item was stored.
type brokenRepo struct {
	*storage.MemoryAdapter
}

func (b *brokenRepo) GetItem(ctx context.Context, itemID string) (*domain.StockItem, error) {
	return nil, errors.New("connection reset")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	ledger := service.NewLedgerService(storage.NewMemoryAdapter())
	mux := http.NewServeMux()
	NewHTTPHandler(ledger, quietLogger()).Register(mux)
	return mux
}

func do(t *testing.T, mux http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewBufferString(s)
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func createItem(t *testing.T, mux http.Handler, body map[string]any) {
	t.Helper()
	rec, resp := do(t, mux, http.MethodPost, "/api/stock/items", body)
	require.Equal(t, http.StatusCreated, rec.Code, resp)
}

func TestHealthCheck(t *testing.T) {
	rec, resp := do(t, newTestMux(t), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp["status"])
}

func TestCreateAndGetItem(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{
		"id":                  "tract-a",
		"track_inventory":     true,
		"inventory":           map[string]int{"50": 2, "1": 10},
		"low_stock_threshold": 20,
	})

	rec, resp := do(t, mux, http.MethodGet, "/api/stock/items/tract-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp["data"].(map[string]any)
	assert.Equal(t, "tract-a", data["id"])
	assert.Equal(t, float64(110), data["total_units"])
	assert.Equal(t, map[string]any{"50": float64(2), "1": float64(10)}, data["inventory"])
	assert.Equal(t, false, data["is_low"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/items", map[string]any{"id": "tract-a"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exists", resp["code"])
}

func TestGetItem_NotFound(t *testing.T) {
	rec, resp := do(t, newTestMux(t), http.MethodGet, "/api/stock/items/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, resp["success"])
	assert.Equal(t, "not_found", resp["code"])
}

func TestDeductStock(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{
		"id":              "tract-a",
		"track_inventory": true,
		"inventory":       map[string]int{"50": 2, "20": 5, "1": 100},
	})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/deduct", map[string]any{
		"item_id": "tract-a", "quantity": 120, "order_id": "order-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	data := resp["data"].(map[string]any)
	assert.Equal(t, float64(180), data["total_units"])
	assert.Equal(t, map[string]any{"50": float64(0), "20": float64(4), "1": float64(100)}, data["inventory"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/deduct", map[string]any{
		"item_id": "tract-a", "quantity": 500,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_stock", resp["code"])
}

func TestDeductStock_InvalidRequests(t *testing.T) {
	mux := newTestMux(t)

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/deduct", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid request body", resp["message"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/deduct", map[string]any{"item_id": "tract-a", "quantity": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", resp["code"])

	rec, _ = do(t, mux, http.MethodGet, "/api/stock/deduct", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequests_RejectOverlongIdentifiers(t *testing.T) {
	mux := newTestMux(t)
	long := strings.Repeat("x", 65)
	createItem(t, mux, map[string]any{"id": "tract-a", "track_inventory": true, "inventory": map[string]int{"1": 10}})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/items", map[string]any{"id": long})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", resp["code"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/deduct", map[string]any{
		"item_id": "tract-a", "quantity": 1, "order_id": long,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", resp["code"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/set", map[string]any{
		"item_id": "tract-a", "bundle_size": 1, "quantity": 5, "changed_by": long,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", resp["code"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/deduct", map[string]any{
		"item_id": "tract-a", "quantity": 1, "order_id": strings.Repeat("x", 64),
	})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	assert.Equal(t, float64(9), resp["data"].(map[string]any)["total_units"])
}

func TestSetStock_BeyondUnitLimit(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{"id": "tract-a", "track_inventory": true, "inventory": map[string]int{"1000": 1}})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/set", map[string]any{
		"item_id": "tract-a", "bundle_size": 1000, "quantity": int64(1) << 50, "changed_by": "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_quantity", resp["code"])
}

func TestRestoreStock_Undecomposable(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{
		"id":              "tract-b",
		"track_inventory": true,
		"inventory":       map[string]int{"50": 1, "20": 1},
	})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/restore", map[string]any{"item_id": "tract-b", "quantity": 7})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "undecomposable_quantity", resp["code"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/restore", map[string]any{"item_id": "tract-b", "quantity": 70})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	assert.Equal(t, float64(140), resp["data"].(map[string]any)["total_units"])
}

func TestSetStock(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{"id": "tract-c", "track_inventory": true, "inventory": map[string]int{"50": 4}})
	createItem(t, mux, map[string]any{"id": "untracked"})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/set", map[string]any{
		"item_id": "tract-c", "bundle_size": 50, "quantity": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "changed_by is required")
	assert.Equal(t, "invalid_request", resp["code"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/set", map[string]any{
		"item_id": "tract-c", "bundle_size": 50, "quantity": 10, "changed_by": "admin",
	})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	assert.Equal(t, float64(500), resp["data"].(map[string]any)["total_units"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/set", map[string]any{
		"item_id": "untracked", "bundle_size": 50, "quantity": 10, "changed_by": "admin",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "tracking_disabled", resp["code"])

	rec, resp = do(t, mux, http.MethodGet, "/api/stock/movements?item_id=tract-c", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	movements := resp["data"].([]any)
	require.Len(t, movements, 2)
	assert.Equal(t, "Opening stock", movements[0].(map[string]any)["reason"])
	mv := movements[1].(map[string]any)
	assert.Equal(t, float64(300), mv["quantity_change"])
	assert.Equal(t, "admin", mv["changed_by"])
	assert.Equal(t, "Manual adjustment", mv["reason"])
}

func TestTrackingAndInitialize(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{"id": "tract-d"})

	rec, resp := do(t, mux, http.MethodPost, "/api/stock/tracking", map[string]any{"item_id": "tract-d"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "enabled is required")

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/tracking", map[string]any{
		"item_id": "tract-d", "enabled": true, "bundle_sizes": []int{25, 5},
	})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	data := resp["data"].(map[string]any)
	assert.Equal(t, true, data["track_inventory"])
	assert.Equal(t, map[string]any{"25": float64(0), "5": float64(0)}, data["inventory"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/initialize", map[string]any{"item_id": "tract-d"})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	assert.Equal(t, map[string]any{"1": float64(0), "50": float64(0), "100": float64(0)},
		resp["data"].(map[string]any)["inventory"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/tracking", map[string]any{"item_id": "tract-d", "enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, resp)
	assert.Equal(t, "tracking disabled", resp["message"])
}

func TestLowStockRoutes(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{"id": "tract-e", "track_inventory": true, "inventory": map[string]int{"1": 5}})

	rec, resp := do(t, mux, http.MethodGet, "/api/stock/low?item_id=tract-e", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"low": false}, resp["data"])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/threshold", map[string]any{"item_id": "tract-e", "threshold": 10})
	require.Equal(t, http.StatusOK, rec.Code, resp)

	rec, resp = do(t, mux, http.MethodGet, "/api/stock/low?item_id=tract-e", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"low": true}, resp["data"])

	rec, resp = do(t, mux, http.MethodGet, "/api/stock/low-items", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := resp["data"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "tract-e", items[0].(map[string]any)["id"])

	rec, _ = do(t, mux, http.MethodGet, "/api/stock/low-items?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(report.LowStockSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "tract-e", rows[1][0])

	rec, resp = do(t, mux, http.MethodPost, "/api/stock/threshold", map[string]any{"item_id": "tract-e", "threshold": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckStock(t *testing.T) {
	mux := newTestMux(t)
	createItem(t, mux, map[string]any{"id": "tract-f", "track_inventory": true, "inventory": map[string]int{"1": 5}})

	rec, resp := do(t, mux, http.MethodGet, "/api/stock/check?item_id=tract-f&quantity=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"available": true}, resp["data"])

	rec, resp = do(t, mux, http.MethodGet, "/api/stock/check?item_id=tract-f&quantity=6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"available": false}, resp["data"])

	rec, _ = do(t, mux, http.MethodGet, "/api/stock/check?item_id=tract-f&quantity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, mux, http.MethodGet, "/api/stock/check?quantity=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalErrorIsMasked(t *testing.T) {
	repo := &brokenRepo{MemoryAdapter: storage.NewMemoryAdapter()}
	mux := http.NewServeMux()
	NewHTTPHandler(service.NewLedgerService(repo), quietLogger()).Register(mux)

	rec, resp := do(t, mux, http.MethodGet, "/api/stock/check?item_id=tract-a&quantity=1", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", resp["message"])
	assert.NotContains(t, rec.Body.String(), "connection reset")
}
