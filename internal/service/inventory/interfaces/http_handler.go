package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"nexus-inventory/internal/pkg/logger"
	"nexus-inventory/internal/pkg/tracing"
	"nexus-inventory/internal/service/inventory/application"
	"nexus-inventory/internal/service/inventory/domain"
)

// RetryAfterSeconds 是锁竞争超时时建议客户端等待的秒数。
const RetryAfterSeconds = 1

// InventoryHandler 封装了库存预占服务的 HTTP 处理器
type InventoryHandler struct {
	engine *application.ReservationEngine
}

// NewInventoryHandler 创建一个新的 HTTP 处理器实例
func NewInventoryHandler(engine *application.ReservationEngine) *InventoryHandler {
	return &InventoryHandler{engine: engine}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/inventory/status", withTraceLogger(h.handleStatus))
	mux.Handle("GET /api/inventory/{sku}", withTraceLogger(h.handleGetInventory))
	mux.Handle("GET /api/inventory/reservations/{reservationId}", withTraceLogger(h.handleGetReservation))
	mux.Handle("POST /api/inventory/reserve", withTraceLogger(h.handleReserve))
	mux.Handle("POST /api/inventory/release/{reservationId}", withTraceLogger(h.handleRelease))
	mux.Handle("POST /api/inventory/confirm/{reservationId}", withTraceLogger(h.handleConfirm))
}

// withTraceLogger 提取上游追踪上下文，并把带 trace_id 的 logger 放入 context。
func withTraceLogger(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = logger.WithTraceID(ctx, tracing.GetTraceIDFromContext(ctx))
		next(w, r.WithContext(ctx))
	})
}

func (h *InventoryHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "UP",
		"service": "Inventory Reservation System",
	})
}

func (h *InventoryHandler) handleGetInventory(w http.ResponseWriter, r *http.Request) {
	sku := r.PathValue("sku")
	logger.Ctx(r.Context()).Info().Str("sku", sku).Msg("Fetching inventory")

	resp, err := h.engine.GetInventory(r.Context(), sku)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	resp, err := h.engine.GetReservation(r.Context(), r.PathValue("reservationId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req application.ReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(domain.ErrInvalidRequest, "invalid request body"))
		return
	}
	logger.Ctx(r.Context()).Info().Str("sku", req.SKU).Int("quantity", req.Quantity).Msg("Reserve inventory request")

	resp, err := h.engine.Reserve(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("reservationId")
	logger.Ctx(r.Context()).Info().Str("reservation_id", id).Msg("Release reservation request")

	resp, err := h.engine.Release(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("reservationId")
	orderID := r.URL.Query().Get("orderId")
	logger.Ctx(r.Context()).Info().Str("reservation_id", id).Str("order_id", orderID).Msg("Confirm reservation request")

	resp, err := h.engine.Confirm(r.Context(), id, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor 根据错误类型返回不同的 HTTP 状态码和错误码
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInventoryNotFound):
		return http.StatusNotFound, "INVENTORY_NOT_FOUND"
	case errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound, "RESERVATION_NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_INVENTORY"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, "INVALID_STATE_TRANSITION"
	case errors.Is(err, domain.ErrRevisionConflict):
		return http.StatusConflict, "REVISION_CONFLICT"
	case errors.Is(err, domain.ErrContentionTimeout):
		return http.StatusServiceUnavailable, "CONTENTION_TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	writeJSON(w, status, errorResponse{Success: false, Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
