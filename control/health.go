package control

import (
	"encoding/json"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type healthResponse struct {
	Status       string `json:"status"`
	Ready        bool   `json:"ready"`
	UptimeMs     int64  `json:"uptime_ms"`
	LiveAppCount int    `json:"live_app_count"`
}

// healthHandler reports overall supervisor health: healthy when the sandbox
// driver is connected, degraded otherwise (the control plane itself still
// answers control-channel requests, but new starts will fail).
func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sandboxUp := s.sandboxConnected()
		status := "healthy"
		code := http.StatusOK
		if !sandboxUp {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, healthResponse{
			Status:       status,
			Ready:        sandboxUp,
			UptimeMs:     time.Since(s.startedAt).Milliseconds(),
			LiveAppCount: s.liveAppCount(),
		})
	}
}

// NewHealthMux builds the plain HTTP mux serving /healthz and /metrics,
// meant to be bound to health_port, separate from the control WebSocket.
func (s *Server) NewHealthMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler())
	mux.Handle("GET /metrics", metricsHandler())
	return mux
}
