// Package api exposes the live fan-out hub over HTTP. Subscribers attach
// to a server-sent-events stream and receive every broadcast event; the
// recent-event cache backs Last-Event-ID reconnection.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/streamhaus/backbone/core/fanout"
)

type ServerConfig struct {
	Log *slog.Logger
	Hub *fanout.Hub
}

type Server struct {
	log *slog.Logger
	hub *fanout.Hub
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log: log.With(slog.String("component", "api")),
		hub: cfg.Hub,
	}, nil
}

// Handler returns the HTTP routes of the subscription endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/events/recent", s.handleRecentEvents)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleEventStream serves GET /v1/events/stream (SSE endpoint).
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	conn := s.hub.Subscribe(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// replay the cached tail for reconnecting clients
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		for _, evt := range s.hub.EventsSince(lastID) {
			writeSSEEvent(w, evt)
		}
		flusher.Flush()
	}

	s.log.Debug("subscriber stream opened", slog.String("conn_id", conn.ID()))

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-conn.Events():
			if !ok {
				return
			}
			if evt.Name == fanout.EventHeartbeat {
				// comment line, keeps intermediaries from timing out
				fmt.Fprint(w, ":heartbeat\n\n")
				flusher.Flush()
				continue
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, s.hub.RecentEvents(limit))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"connected": s.hub.ConnectedCount(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeSSEEvent writes a single SSE event to the writer.
func writeSSEEvent(w http.ResponseWriter, evt fanout.Event) {
	fmt.Fprintf(w, "id:%s\n", evt.ID)
	fmt.Fprintf(w, "event:%s\n", evt.Name)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data:%s\n\n", data)
}
