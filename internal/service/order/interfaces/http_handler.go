package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	invdomain "fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
	txdomain "fulfillment/internal/service/txlog/domain"
)

const idempotencyHeader = "Idempotency-Key"

// OrderService 是 HTTP 层用到的订单用例
type OrderService interface {
	CreateOrder(ctx context.Context, req *application.CreateOrderRequest) (*domain.Order, error)
	ConfirmOrder(ctx context.Context, orderID string) (*domain.Order, error)
	PayOrder(ctx context.Context, orderID string) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, cancelType txdomain.CancelType) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// InventoryAdmin 是库存运维接口
type InventoryAdmin interface {
	Increase(ctx context.Context, goodsID, identifier string, qty int64) error
	InitInventory(ctx context.Context, goodsID, goodsType string, qty int64) (invdomain.Snapshot, error)
	Detail(ctx context.Context, goodsID string) (invdomain.Snapshot, error)
	ReplayStream(ctx context.Context, goodsID string) (invdomain.Snapshot, error)
}

// OrderHandler 封装了订单服务的 HTTP 处理器
type OrderHandler struct {
	orders    OrderService
	inventory InventoryAdmin
	tracer    trace.Tracer
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(orders OrderService, inventory InventoryAdmin, tracer trace.Tracer) *OrderHandler {
	return &OrderHandler{orders: orders, inventory: inventory, tracer: tracer}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /orders/create", h.traced("http.CreateOrder", h.createOrder))
	mux.Handle("POST /orders/confirm", h.traced("http.ConfirmOrder", h.confirmOrder))
	mux.Handle("POST /orders/pay", h.traced("http.PayOrder", h.payOrder))
	mux.Handle("POST /orders/cancel", h.traced("http.CancelOrder", h.cancelOrder))
	mux.Handle("GET /orders/get", h.traced("http.GetOrder", h.getOrder))

	mux.Handle("GET /inventory/query", h.traced("http.QueryInventory", h.queryInventory))
	mux.Handle("POST /inventory/increase", h.traced("http.IncreaseInventory", h.increaseInventory))
	mux.Handle("POST /inventory/init", h.traced("http.InitInventory", h.initInventory))
}

// traced 从请求头恢复链路上下文并开启服务端 span
func (h *OrderHandler) traced(name string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.route", r.URL.Path)))
		defer span.End()
		fn(w, r.WithContext(ctx))
	})
}

type orderIDRequest struct {
	OrderID string `json:"orderId"`
}

type inventoryRequest struct {
	GoodsID    string `json:"goodsId"`
	GoodsType  string `json:"goodsType"`
	Identifier string `json:"identifier"`
	Quantity   int64  `json:"quantity"`
}

type inventoryResponse struct {
	invdomain.Snapshot
	Replayed *invdomain.Snapshot `json:"replayed,omitempty"`
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req application.CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		req.Identifier = r.Header.Get(idempotencyHeader)
	}

	order, err := h.orders.CreateOrder(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) confirmOrder(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.ConfirmOrder(r.Context(), req.OrderID)
	if errors.Is(err, domain.ErrIllegalTransition) {
		// 重复确认：订单已经是 UNPAID 时返回当前订单
		if current, gerr := h.orders.GetOrder(r.Context(), req.OrderID); gerr == nil && current.Status == domain.StatusUnpaid {
			order, err = current, nil
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) payOrder(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.PayOrder(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req orderIDRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.CancelOrder(r.Context(), req.OrderID, txdomain.CancelUser)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.URL.Query().Get("orderId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, application.ToOrderResponse(order))
}

// queryInventory 返回库存明细，audit=true 时附带流水重放结果
func (h *OrderHandler) queryInventory(w http.ResponseWriter, r *http.Request) {
	goodsID := r.URL.Query().Get("goodsId")
	snap, err := h.inventory.Detail(r.Context(), goodsID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := inventoryResponse{Snapshot: snap}
	if r.URL.Query().Get("audit") == "true" {
		replayed, err := h.inventory.ReplayStream(r.Context(), goodsID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.Replayed = &replayed
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) increaseInventory(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		req.Identifier = r.Header.Get(idempotencyHeader)
	}
	if err := h.inventory.Increase(r.Context(), req.GoodsID, req.Identifier, req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.inventory.Detail(r.Context(), req.GoodsID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inventoryResponse{Snapshot: snap})
}

func (h *OrderHandler) initInventory(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.inventory.InitInventory(r.Context(), req.GoodsID, req.GoodsType, req.Quantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inventoryResponse{Snapshot: snap})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf 把业务错误映射到 HTTP 状态码
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, invdomain.ErrInvalidQuantity):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusServiceUnavailable, "BUSY"
	case errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, invdomain.ErrVersionConflict):
		return http.StatusServiceUnavailable, "CONCURRENT_UPDATE"
	case errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, invdomain.ErrInvalidPhaseTransition):
		return http.StatusConflict, "ILLEGAL_TRANSITION"
	case errors.Is(err, domain.ErrTransactionFinalized):
		return http.StatusConflict, "TRANSACTION_FINALIZED"
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, invdomain.ErrInventoryNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error(), Code: "BAD_REQUEST"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
