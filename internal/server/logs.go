package server

import (
	"encoding/json"
	"net/http"
	"time"

	"outpost/internal/logging"

	"github.com/gorilla/websocket"
)

// LogsHandler serves the logger's retained entries as a JSON array,
// newest last. An optional level query parameter filters out entries
// below that severity.
type LogsHandler struct {
	Logger *logging.Logger
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		http.Error(w, "logs unavailable", http.StatusServiceUnavailable)
		return
	}

	minLevel := logging.Level("")
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			http.Error(w, "unknown level", http.StatusBadRequest)
			return
		}
		minLevel = level
	}

	entries := h.Logger.Buffer().List()
	filtered := make([]logging.Entry, 0, len(entries))
	for _, entry := range entries {
		if minLevel != "" && !logging.LevelAtLeast(entry.Level, minLevel) {
			continue
		}
		filtered = append(filtered, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(filtered)
}

// LogsStreamHandler streams entries over a websocket as they are
// logged. Each connection gets its own hub subscription; a slow client
// misses entries rather than blocking the logger.
type LogsStreamHandler struct {
	Logger         *logging.Logger
	AllowedOrigins []string
}

func (h *LogsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Logger == nil {
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}

	output, cancel := h.Logger.Subscribe()
	if output == nil {
		http.Error(w, "log stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case entry, ok := <-output:
				if !ok {
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
