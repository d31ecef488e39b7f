package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"chatrelay/internal/config"
	"chatrelay/internal/logging"
	"chatrelay/internal/relay"
)

// Handler holds application dependencies
type Handler struct {
	Relay  *relay.Relay
	Config config.Config
	Log    zerolog.Logger
}

// New creates a new Handler with the given dependencies
func New(r *relay.Relay, cfg config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		Relay:  r,
		Config: cfg,
		Log:    log.With().Str("component", "handler").Logger(),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.HTTPMiddleware(h.Log))

	// REST API
	r.HandleFunc("/messages", h.GetMessages).Methods("GET")
	r.HandleFunc("/messages", h.CreateMessage).Methods("POST")
	r.HandleFunc("/healthz", h.Health).Methods("GET")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	// 静的ファイル（任意）
	if h.Config.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(h.Config.StaticDir))).Methods("GET", "HEAD")
	}

	return r
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.Relay.Degraded() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"connections": h.Relay.Connections(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
