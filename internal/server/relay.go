package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"outpost/internal/directory"
	"outpost/internal/logging"
	"outpost/internal/metrics"
	"outpost/internal/version"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// MonitorLister reports the names of the monitors currently running.
type MonitorLister interface {
	Monitors() []string
}

// EventsHandler streams one monitor's broadcast messages over a
// websocket. Each connection gets its own directory subscriber, so a
// slow client only ever loses its own messages.
type EventsHandler struct {
	Directory      *directory.Directory
	AllowedOrigins []string
	Logger         *logging.Logger
}

type eventPayload struct {
	Type      string    `json:"type"`
	Monitor   string    `json:"monitor"`
	Path      string    `json:"path,omitempty"`
	Op        string    `json:"op,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func payloadFor(msg directory.Message) eventPayload {
	payload := eventPayload{
		Type:      msg.Type(),
		Timestamp: msg.Timestamp(),
	}
	switch m := msg.(type) {
	case directory.FileEvent:
		payload.Monitor = m.Monitor
		payload.Path = m.Path
		payload.Op = m.Op.String()
	case directory.WatchError:
		payload.Monitor = m.Monitor
		payload.Message = m.Message
	case directory.MonitorStopped:
		payload.Monitor = m.Monitor
		payload.Message = m.Reason
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	return payload
}

func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	monitor := r.URL.Query().Get("monitor")
	if monitor == "" {
		http.Error(w, "monitor query parameter is required", http.StatusBadRequest)
		return
	}
	if h.Directory == nil {
		http.Error(w, "events unavailable", http.StatusInternalServerError)
		return
	}

	sub := h.Directory.Subscribe(monitor)
	defer h.Directory.Unsubscribe(monitor, sub)

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

	if h.Logger != nil {
		h.Logger.Debug("event stream opened", map[string]string{
			"monitor": monitor,
			"remote":  r.RemoteAddr,
		})
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
				if err := conn.WriteJSON(payloadFor(msg)); err != nil {
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

// MetricsHandler serves the registry in Prometheus text exposition.
type MetricsHandler struct {
	Registry *metrics.Registry
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	registry := h.Registry
	if registry == nil {
		registry = metrics.Default
	}
	_ = registry.WritePrometheus(w)
}

// MonitorsHandler lists running monitors as a JSON array of names.
type MonitorsHandler struct {
	Lister MonitorLister
}

func (h *MonitorsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.Lister != nil {
		names = h.Lister.Monitors()
	}
	sort.Strings(names)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(names)
}

// Options carries the dependencies the relay routes need.
type Options struct {
	Directory      *directory.Directory
	Lister         MonitorLister
	Registry       *metrics.Registry
	AllowedOrigins []string
	Logger         *logging.Logger
}

// RegisterRoutes wires the relay endpoints onto mux.
func RegisterRoutes(mux *http.ServeMux, options Options) {
	mux.Handle("/events", &EventsHandler{
		Directory:      options.Directory,
		AllowedOrigins: options.AllowedOrigins,
		Logger:         options.Logger,
	})
	mux.Handle("/monitors", &MonitorsHandler{Lister: options.Lister})
	mux.Handle("/metrics", &MetricsHandler{Registry: options.Registry})
	mux.Handle("/logs", &LogsHandler{Logger: options.Logger})
	mux.Handle("/logs/stream", &LogsStreamHandler{
		Logger:         options.Logger,
		AllowedOrigins: options.AllowedOrigins,
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(version.Get())
	})
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}

	requestHost := hostOnly(r.Host)
	return strings.EqualFold(originHost, requestHost)
}

func hostOnly(hostport string) string {
	host := hostport
	if strings.HasPrefix(hostport, "[") {
		if parsedHost, _, err := net.SplitHostPort(hostport); err == nil {
			host = parsedHost
		}
		return strings.Trim(host, "[]")
	}

	if parsedHost, _, err := net.SplitHostPort(hostport); err == nil {
		host = parsedHost
	}

	return host
}
