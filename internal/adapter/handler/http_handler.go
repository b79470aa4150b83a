package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/core/service"
	"github.com/rl1809/canteen-ledger/internal/metrics"
	"github.com/rl1809/canteen-ledger/internal/port"
)

const (
	headerUserID   = "X-User-ID"
	headerUserName = "X-User-Name"
	maxBodyBytes   = 1 << 20
)

var errForbidden = errors.New("forbidden")

type HTTPConfig struct {
	CronAPIKey        string
	PaymentKey        string
	HeartbeatInterval time.Duration
}

type HTTPHandler struct {
	orders  *service.OrderService
	menu    *service.MenuService
	auth    *service.AuthService
	events  port.EventSubscriber
	metrics *metrics.ServerMetrics
	logger  *slog.Logger
	cfg     HTTPConfig
}

// NewHTTPHandler wires the JSON API. events and m may be nil.
func NewHTTPHandler(orders *service.OrderService, menu *service.MenuService, auth *service.AuthService,
	events port.EventSubscriber, m *metrics.ServerMetrics, logger *slog.Logger, cfg HTTPConfig) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &HTTPHandler{
		orders:  orders,
		menu:    menu,
		auth:    auth,
		events:  events,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Routes builds the request multiplexer. A nil gatherer leaves /metrics unmounted.
func (h *HTTPHandler) Routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.instrument("health", h.HealthCheck))
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}

	mux.HandleFunc("GET /api/menu", h.instrument("menu_list", h.ListMenu))
	mux.HandleFunc("POST /api/checkout", h.instrument("checkout", h.Checkout))
	mux.HandleFunc("GET /api/orders", h.instrument("orders_list", h.ListOrders))
	mux.HandleFunc("GET /api/orders/stream", h.StreamOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.instrument("order_get", h.GetOrder))
	mux.HandleFunc("POST /api/orders/{id}/pickup", h.instrument("order_pickup", h.ConfirmPickup))
	mux.HandleFunc("POST /api/payments/confirm", h.instrument("payment_confirm", h.ConfirmPayment))

	mux.HandleFunc("GET /api/cron/reset-orders", h.instrument("cron_reset", h.CronReset))
	mux.HandleFunc("POST /api/cron/reset-orders", h.instrument("cron_reset", h.CronReset))

	mux.HandleFunc("POST /api/admin/login", h.instrument("admin_login", h.Login))
	mux.HandleFunc("POST /api/admin/logout", h.instrument("admin_logout", h.Logout))
	mux.HandleFunc("POST /api/admin/orders/{id}/status", h.instrument("admin_status", h.admin(h.UpdateStatus)))
	mux.HandleFunc("POST /api/admin/reset", h.instrument("admin_reset", h.admin(h.ForceReset)))
	mux.HandleFunc("GET /api/counters", h.instrument("counters", h.admin(h.ListCounters)))
	mux.HandleFunc("POST /api/admin/menu", h.instrument("menu_add", h.admin(h.AddMenuItem)))
	mux.HandleFunc("PUT /api/admin/menu/{id}", h.instrument("menu_update", h.admin(h.UpdateMenuItem)))
	mux.HandleFunc("PATCH /api/admin/menu/{id}/availability", h.instrument("menu_availability", h.admin(h.SetAvailability)))
	mux.HandleFunc("DELETE /api/admin/menu/{id}", h.instrument("menu_delete", h.admin(h.DeleteMenuItem)))

	return mux
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type OrderResponse struct {
	ID           string          `json:"id"`
	Token        int64           `json:"token"`
	DisplayToken string          `json:"display_token"`
	Category     string          `json:"category"`
	Items        []domain.Item   `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Status       string          `json:"status"`
	OwnerID      string          `json:"owner_id,omitempty"`
	OwnerName    string          `json:"owner_name,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toOrderResponse(o domain.Order) OrderResponse {
	return OrderResponse{
		ID:           o.ID,
		Token:        o.Token,
		DisplayToken: o.DisplayToken,
		Category:     string(o.Category),
		Items:        o.Items,
		Total:        o.Total,
		Status:       string(o.Status),
		OwnerID:      o.OwnerID,
		OwnerName:    o.OwnerName,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
}

func toOrderResponses(orders []domain.Order) []OrderResponse {
	out := make([]OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = toOrderResponse(o)
	}
	return out
}

type MenuItemResponse struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url,omitempty"`
	Available   bool            `json:"available"`
	Version     int             `json:"version"`
}

func toMenuItemResponse(it domain.MenuItem) MenuItemResponse {
	return MenuItemResponse{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		Category:    string(it.Category),
		Price:       it.Price,
		ImageURL:    it.ImageURL,
		Available:   it.Available,
		Version:     it.Version,
	}
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "day": h.orders.Today()})
}

func (h *HTTPHandler) ListMenu(w http.ResponseWriter, r *http.Request) {
	var category domain.Category
	if c := r.URL.Query().Get("category"); c != "" {
		parsed, err := domain.ParseCategory(c)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		category = parsed
	}

	items, err := h.menu.List(r.Context(), category)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]MenuItemResponse, len(items))
	for i, it := range items {
		out[i] = toMenuItemResponse(it)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type CheckoutHTTPRequest struct {
	RequestID string `json:"request_id"`
	OwnerName string `json:"owner_name"`
	Contact   string `json:"contact"`
	Items     []struct {
		MenuItemID int64 `json:"menu_item_id"`
		Quantity   int   `json:"quantity"`
	} `json:"items"`
}

func (h *HTTPHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		h.writeError(w, r, service.ErrUnauthenticated)
		return
	}

	var req CheckoutHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing request_id"})
		return
	}

	name := req.OwnerName
	if name == "" {
		name = r.Header.Get(headerUserName)
	}
	lines := make([]service.CheckoutLine, len(req.Items))
	for i, it := range req.Items {
		lines[i] = service.CheckoutLine{MenuItemID: it.MenuItemID, Quantity: it.Quantity}
	}

	orders, err := h.orders.Checkout(r.Context(), service.CheckoutRequest{
		RequestID: req.RequestID,
		OwnerID:   userID,
		OwnerName: name,
		Contact:   req.Contact,
		Lines:     lines,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"orders": toOrderResponses(orders)})
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(*order))
}

// ListOrders is the public board. Filtering by owner is limited to the caller's own
// X-User-ID unless an admin session is presented, and other students' identities are blanked.
func (h *HTTPHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	caller := r.Header.Get(headerUserID)
	isAdmin := h.adminViewer(r)
	owner := q.Get("owner")
	if owner != "" && owner != caller && !isAdmin {
		h.writeError(w, r, fmt.Errorf("%w: orders belong to another student", errForbidden))
		return
	}
	filter := domain.OrderFilter{OwnerID: owner}

	if c := q.Get("category"); c != "" {
		category, err := domain.ParseCategory(c)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		filter.Category = category
	}
	if s := q.Get("status"); s != "" {
		status, ok := domain.ParseOrderStatus(s)
		if !ok {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "unknown status " + strconv.Quote(s)})
			return
		}
		filter.Status = status
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := toOrderResponses(orders)
	if !isAdmin {
		for i := range out {
			if caller == "" || out[i].OwnerID != caller {
				out[i].OwnerID, out[i].OwnerName = "", ""
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// adminViewer reports whether the request carries a live admin session.
func (h *HTTPHandler) adminViewer(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	session, err := h.auth.Authenticate(r.Context(), token)
	return err == nil && session.Role == port.RoleAdmin
}

func (h *HTTPHandler) ConfirmPickup(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		h.writeError(w, r, service.ErrUnauthenticated)
		return
	}

	res, err := h.orders.ConfirmPickup(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse(res))
}

type PaymentHTTPRequest struct {
	PaymentRef string   `json:"payment_ref"`
	OrderIDs   []string `json:"order_ids"`
}

func (h *HTTPHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	if !h.checkBearer(w, r, h.cfg.PaymentKey) {
		return
	}

	var req PaymentHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}

	confirmed, err := h.orders.ConfirmPayment(r.Context(), req.PaymentRef, req.OrderIDs)
	if err != nil && len(confirmed) == 0 {
		h.writeError(w, r, err)
		return
	}

	resp := map[string]any{"orders": toOrderResponses(confirmed)}
	if err != nil {
		h.logger.Warn("payment partially applied", "payment_ref", req.PaymentRef, "err", err)
		resp["errors"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CronReset is the scheduled daily purge. It is idempotent for the day.
func (h *HTTPHandler) CronReset(w http.ResponseWriter, r *http.Request) {
	if !h.checkBearer(w, r, h.cfg.CronAPIKey) {
		return
	}

	day := h.orders.Today()
	applied, err := h.orders.ResetDaily(r.Context(), day)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "day": day})
}

type TransitionHTTPResponse struct {
	Order   OrderResponse `json:"order"`
	Warning string        `json:"warning,omitempty"`
}

func transitionResponse(res *service.TransitionResult) TransitionHTTPResponse {
	out := TransitionHTTPResponse{Order: toOrderResponse(res.Order)}
	if res.Warning != nil {
		out.Warning = res.Warning.Error()
	}
	return out
}

// checkBearer writes the rejection itself and reports whether the request may proceed.
// An unset key disables the endpoint.
func (h *HTTPHandler) checkBearer(w http.ResponseWriter, r *http.Request, key string) bool {
	if key == "" {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Message: "endpoint not configured"})
		return false
	}
	if !tokenMatches(bearerToken(r), key) {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "unauthorized"})
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	v := r.Header.Get("Authorization")
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(v[7:])
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := httpStatus(err)
	if status == http.StatusServiceUnavailable && errors.Is(err, domain.ErrConcurrentAllocationConflict) {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, ErrorResponse{Message: message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidCategory),
		errors.Is(err, domain.ErrEmptyOrder),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrMenuItemNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrMenuItemUnavailable),
		errors.Is(err, domain.ErrOptimisticLock):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate request"
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, errForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, domain.ErrConcurrentAllocationConflict):
		return http.StatusServiceUnavailable, "ledger busy, retry"
	case errors.Is(err, domain.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (h *HTTPHandler) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	if h.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.metrics.Requests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		h.metrics.LatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
