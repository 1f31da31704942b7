package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/bundle-ledger/internal/adapter/report"
	"github.com/rl1809/bundle-ledger/internal/config"
	"github.com/rl1809/bundle-ledger/internal/core/domain"
	"github.com/rl1809/bundle-ledger/internal/core/service"
)

const httpModule = "HTTPHandler"

type HTTPHandler struct {
	ledger   *service.LedgerService
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewHTTPHandler(ledger *service.LedgerService, logger logrus.FieldLogger) *HTTPHandler {
	return &HTTPHandler{
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register mounts every stock route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("POST /api/stock/items", h.CreateItem)
	mux.HandleFunc("GET /api/stock/items/{id}", h.GetItem)
	mux.HandleFunc("POST /api/stock/deduct", h.DeductStock)
	mux.HandleFunc("POST /api/stock/restore", h.RestoreStock)
	mux.HandleFunc("POST /api/stock/set", h.SetStock)
	mux.HandleFunc("POST /api/stock/initialize", h.InitializeInventory)
	mux.HandleFunc("POST /api/stock/tracking", h.SetTracking)
	mux.HandleFunc("POST /api/stock/threshold", h.SetThreshold)
	mux.HandleFunc("GET /api/stock/check", h.CheckStock)
	mux.HandleFunc("GET /api/stock/low", h.IsLowStock)
	mux.HandleFunc("GET /api/stock/low-items", h.LowStockItems)
	mux.HandleFunc("GET /api/stock/movements", h.ListMovements)
}

func (h *HTTPHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.CreateItem(r.Context(), domain.StockItem{
		ID:                req.ID,
		TrackInventory:    req.TrackInventory,
		Inventory:         req.Inventory,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		h.writeError(w, "CreateItem", req, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "item created", Data: newItemView(*item)})
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("id")
	item, err := h.ledger.GetItem(r.Context(), itemID)
	if err != nil {
		h.writeError(w, "GetItem", itemID, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: newItemView(*item)})
}

func (h *HTTPHandler) DeductStock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.DeductStock(r.Context(), req.ItemID, req.Quantity,
		service.MovementMeta{OrderID: req.OrderID, Reason: req.Reason})
	if err != nil {
		h.writeError(w, "DeductStock", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "stock deducted", Data: newItemView(*item)})
}

func (h *HTTPHandler) RestoreStock(w http.ResponseWriter, r *http.Request) {
	var req MovementRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.RestoreStock(r.Context(), req.ItemID, req.Quantity,
		service.MovementMeta{OrderID: req.OrderID, Reason: req.Reason})
	if err != nil {
		h.writeError(w, "RestoreStock", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "stock restored", Data: newItemView(*item)})
}

func (h *HTTPHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	var req SetStockRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.SetStock(r.Context(), req.ItemID, req.BundleSize, req.Quantity, req.ChangedBy, req.Reason)
	if err != nil {
		h.writeError(w, "SetStock", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "stock set", Data: newItemView(*item)})
}

func (h *HTTPHandler) InitializeInventory(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.InitializeInventory(r.Context(), req.ItemID, req.BundleSizes)
	if err != nil {
		h.writeError(w, "InitializeInventory", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "inventory initialized", Data: newItemView(*item)})
}

func (h *HTTPHandler) SetTracking(w http.ResponseWriter, r *http.Request) {
	var req TrackingRequest
	if !h.decode(w, r, &req) {
		return
	}

	var item *domain.StockItem
	var err error
	message := "tracking enabled"
	if *req.Enabled {
		item, err = h.ledger.EnableTracking(r.Context(), req.ItemID, req.BundleSizes)
	} else {
		message = "tracking disabled"
		item, err = h.ledger.DisableTracking(r.Context(), req.ItemID)
	}
	if err != nil {
		h.writeError(w, "SetTracking", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: newItemView(*item)})
}

func (h *HTTPHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	var req ThresholdRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.ledger.SetLowStockThreshold(r.Context(), req.ItemID, req.Threshold)
	if err != nil {
		h.writeError(w, "SetThreshold", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "threshold updated", Data: newItemView(*item)})
}

func (h *HTTPHandler) CheckStock(w http.ResponseWriter, r *http.Request) {
	req := CheckStockRequest{ItemID: r.URL.Query().Get("item_id")}
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Message: "quantity must be an integer", Code: "invalid_request"})
			return
		}
		req.Quantity = n
	}
	if !h.check(w, req) {
		return
	}

	ok, err := h.ledger.CheckStock(r.Context(), req.ItemID, req.Quantity)
	if err != nil {
		h.writeError(w, "CheckStock", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: map[string]bool{"available": ok}})
}

func (h *HTTPHandler) IsLowStock(w http.ResponseWriter, r *http.Request) {
	req := ItemRequest{ItemID: r.URL.Query().Get("item_id")}
	if !h.check(w, req) {
		return
	}

	low, err := h.ledger.IsLowStock(r.Context(), req.ItemID)
	if err != nil {
		h.writeError(w, "IsLowStock", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: map[string]bool{"low": low}})
}

// LowStockItems answers JSON by default and a spreadsheet for ?format=xlsx.
func (h *HTTPHandler) LowStockItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.GetLowStockItems(r.Context())
	if err != nil {
		h.writeError(w, "LowStockItems", nil, err)
		return
	}

	if r.URL.Query().Get("format") == "xlsx" {
		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", "attachment; filename=low-stock.xlsx")
		if err := report.WriteLowStockXLSX(w, items); err != nil {
			config.LogError(h.logger, httpModule, "LowStockItems", "write xlsx report", len(items), err)
		}
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: newItemViews(items)})
}

func (h *HTTPHandler) ListMovements(w http.ResponseWriter, r *http.Request) {
	req := ItemRequest{ItemID: r.URL.Query().Get("item_id")}
	if !h.check(w, req) {
		return
	}

	movements, err := h.ledger.ListMovements(r.Context(), req.ItemID)
	if err != nil {
		h.writeError(w, "ListMovements", req, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: newMovementViews(movements)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid request body", Code: "invalid_request"})
		return false
	}
	return h.check(w, dst)
}

func (h *HTTPHandler) check(w http.ResponseWriter, req any) bool {
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, funcName string, req any, err error) {
	status, resp := classify(err)
	if status == http.StatusInternalServerError {
		config.LogError(h.logger, httpModule, funcName, "handle request", req, err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
