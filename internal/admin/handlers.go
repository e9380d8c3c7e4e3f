package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fenilsonani/mailoutd/internal/queue"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		status.Status = "degraded"
		status.Services["database"] = "error: " + err.Error()
	} else {
		status.Services["database"] = "ok"
	}

	if s.queue != nil {
		if _, err := s.queue.Stats(ctx, "system", queue.KindSendEmail); err != nil {
			status.Status = "degraded"
			status.Services["queue"] = "error: " + err.Error()
		} else {
			status.Services["queue"] = "ok"
		}
	} else {
		status.Services["queue"] = "not configured"
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady returns readiness status for orchestration.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
