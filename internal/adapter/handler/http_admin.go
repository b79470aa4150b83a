package handler

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

type sessionKey struct{}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// admin resolves the bearer session and rejects anyone without the admin role.
func (h *HTTPHandler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := h.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if session.Role != port.RoleAdmin {
			h.writeError(w, r, errForbidden)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	}
}

func sessionFrom(ctx context.Context) *port.Session {
	s, _ := ctx.Value(sessionKey{}).(*port.Session)
	return s
}

// authorizeCategory enforces an admin's stall scope; unscoped admins may touch every category.
func authorizeCategory(s *port.Session, c domain.Category) error {
	if s == nil || s.Category == "" || s.Category == string(c) {
		return nil
	}
	return fmt.Errorf("%w: session is scoped to %s", errForbidden, s.Category)
}

type LoginHTTPRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := h.auth.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    session.ID,
		"name":     session.Subject,
		"category": session.Category,
	})
}

func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), bearerToken(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type StatusHTTPRequest struct {
	Status string `json:"status"`
}

func (h *HTTPHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	to, ok := domain.ParseOrderStatus(req.Status)
	if !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "unknown status " + strconv.Quote(req.Status)})
		return
	}

	id := r.PathValue("id")
	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := authorizeCategory(sessionFrom(r.Context()), order.Category); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.orders.Advance(r.Context(), id, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse(res))
}

type ResetHTTPRequest struct {
	Category      string `json:"category"`
	DeleteOrders  bool   `json:"delete_orders"`
	ResetCounters bool   `json:"reset_counters"`
}

// ForceReset is the destructive manual reset. A scoped admin can only reset their own stall.
func (h *HTTPHandler) ForceReset(w http.ResponseWriter, r *http.Request) {
	var req ResetHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.DeleteOrders && !req.ResetCounters {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "nothing to reset"})
		return
	}

	opts := domain.ResetOptions{DeleteOrders: req.DeleteOrders, ResetCounters: req.ResetCounters}
	session := sessionFrom(r.Context())
	switch {
	case req.Category != "":
		category, err := domain.ParseCategory(req.Category)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		opts.Category = category
	case session != nil && session.Category != "":
		opts.Category = domain.Category(session.Category)
	}
	if err := authorizeCategory(session, opts.Category); err != nil {
		h.writeError(w, r, err)
		return
	}

	purged, err := h.orders.ForceReset(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Warn("manual ledger reset", "admin", session.Subject, "category", opts.Category, "purged", purged)
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged, "category": opts.Category})
}

type CounterResponse struct {
	Category  string `json:"category"`
	NextValue int64  `json:"next_value"`
	NextToken string `json:"next_token"`
	ResetDate string `json:"reset_date"`
}

func (h *HTTPHandler) ListCounters(w http.ResponseWriter, r *http.Request) {
	counters, err := h.orders.ListCounters(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]CounterResponse, len(counters))
	for i, c := range counters {
		out[i] = CounterResponse{
			Category:  string(c.Category),
			NextValue: c.NextValue,
			NextToken: domain.DisplayToken(c.Category, c.NextValue),
			ResetDate: c.ResetDate,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": out, "today": h.orders.Today()})
}

type MenuItemHTTPRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	ImageURL    string          `json:"image_url"`
	Available   *bool           `json:"available"`
	Version     int             `json:"version"`
}

func (req MenuItemHTTPRequest) toDomain() (domain.MenuItem, error) {
	category, err := domain.ParseCategory(req.Category)
	if err != nil {
		return domain.MenuItem{}, err
	}
	item := domain.MenuItem{
		Name:        req.Name,
		Description: req.Description,
		Category:    category,
		Price:       req.Price,
		ImageURL:    req.ImageURL,
		Available:   true,
		Version:     req.Version,
	}
	if req.Available != nil {
		item.Available = *req.Available
	}
	return item, nil
}

func (h *HTTPHandler) AddMenuItem(w http.ResponseWriter, r *http.Request) {
	var req MenuItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := req.toDomain()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := authorizeCategory(sessionFrom(r.Context()), item.Category); err != nil {
		h.writeError(w, r, err)
		return
	}

	stored, err := h.menu.Add(r.Context(), item)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMenuItemResponse(*stored))
}

func (h *HTTPHandler) UpdateMenuItem(w http.ResponseWriter, r *http.Request) {
	current, ok := h.scopedMenuItem(w, r)
	if !ok {
		return
	}
	var req MenuItemHTTPRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item, err := req.toDomain()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := authorizeCategory(sessionFrom(r.Context()), item.Category); err != nil {
		h.writeError(w, r, err)
		return
	}
	item.ID = current.ID

	if err := h.menu.Update(r.Context(), item); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.menu.Get(r.Context(), item.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMenuItemResponse(*updated))
}

func (h *HTTPHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	current, ok := h.scopedMenuItem(w, r)
	if !ok {
		return
	}
	var req struct {
		Available *bool `json:"available"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Available == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "missing available"})
		return
	}

	item, err := h.menu.SetAvailability(r.Context(), current.ID, *req.Available)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMenuItemResponse(*item))
}

func (h *HTTPHandler) DeleteMenuItem(w http.ResponseWriter, r *http.Request) {
	current, ok := h.scopedMenuItem(w, r)
	if !ok {
		return
	}
	if err := h.menu.Delete(r.Context(), current.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scopedMenuItem loads the item named by the path and checks the session may edit it.
func (h *HTTPHandler) scopedMenuItem(w http.ResponseWriter, r *http.Request) (*domain.MenuItem, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Message: "invalid menu item id"})
		return nil, false
	}
	item, err := h.menu.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if err := authorizeCategory(sessionFrom(r.Context()), item.Category); err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return item, true
}
