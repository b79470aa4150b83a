package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

// StreamOrders pushes order events as server-sent events so stall and student screens
// refresh without polling. ?category= narrows the stream; reset events always pass.
func (h *HTTPHandler) StreamOrders(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Message: "live updates disabled"})
		return
	}

	var category domain.Category
	if c := r.URL.Query().Get("category"); c != "" {
		parsed, err := domain.ParseCategory(c)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		category = parsed
	}

	rc := http.NewResponseController(w)
	events, cancel, err := h.events.Subscribe(r.Context())
	if err != nil {
		h.logger.Error("subscribe order events", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Message: "live updates unavailable"})
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("streaming not supported", "err", err)
		return
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !streamMatches(ev, category) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func streamMatches(ev port.OrderEvent, category domain.Category) bool {
	return category == "" || ev.Category == "" || ev.Category == string(category)
}

func writeEvent(w http.ResponseWriter, ev port.OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.EventID, ev.Type, data)
	return err
}
