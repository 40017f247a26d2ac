package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"renko-cloud/notify"
)

type updateTailer interface {
	Tail(ctx context.Context, userID, afterID string) ([]notify.Event, string, error)
	LatestID(ctx context.Context, userID string) (string, error)
}

type calendarUpdatesHandler struct {
	bus       updateTailer
	keepalive time.Duration
}

func registerCalendarUpdateRoutes(r *mux.Router, bus updateTailer) {
	h := &calendarUpdatesHandler{bus: bus, keepalive: 25 * time.Second}
	r.HandleFunc("/calendar/updates/stream", h.handleSSE).Methods("GET")
	r.HandleFunc("/calendar/updates/ws", h.handleWebSocket).Methods("GET")
}

// cursor resolves the starting stream id. Without ?after the client only sees
// entries published after it connected.
func (h *calendarUpdatesHandler) cursor(ctx context.Context, r *http.Request, userID string) string {
	if after := strings.TrimSpace(r.URL.Query().Get("after")); after != "" {
		return after
	}
	id, err := h.bus.LatestID(ctx, userID)
	if err != nil {
		zap.S().Warnf("calendar updates: latest id err user=%s: %v", userID, err)
		return ""
	}
	return id
}

func (h *calendarUpdatesHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "update bus unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	lastID := h.cursor(ctx, r, userID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		events, nextID, err := h.bus.Tail(ctx, userID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			zap.S().Warnf("calendar updates tail error for %s: %v", userID, err)
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(events) == 0 {
			continue
		}

		lastID = nextID
		for _, evt := range events {
			payload, err := json.Marshal(evt)
			if err != nil {
				zap.S().Warnf("calendar updates encode error: %v", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var updatesUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// output-only surface
		return true
	},
}

func (h *calendarUpdatesHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "update bus unavailable", http.StatusServiceUnavailable)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id parameter is required", http.StatusBadRequest)
		return
	}
	lastID := h.cursor(r.Context(), r, userID)

	conn, err := updatesUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The read loop only exists to notice the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		events, nextID, err := h.bus.Tail(ctx, userID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(events) == 0 {
			continue
		}

		lastID = nextID
		for _, evt := range events {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
