package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/ledispatch/internal/store"
	"github.com/me/ledispatch/pkg/model"
)

// Version is the server version reported by the health endpoint.
const Version = "0.1.0"

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Scheduler string `json:"scheduler"`
	Store     string `json:"store"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: "disabled",
		Store:     "ok",
	}
	if s.scheduler != nil {
		resp.Scheduler = "enabled"
	}

	queued, err := s.store.CountTasks(r.Context(), store.TaskQuery{Statuses: []model.TaskStatus{model.TaskStatusQueued}})
	if err == nil {
		resp.Running, err = s.store.CountTasks(r.Context(), store.TaskQuery{Statuses: []model.TaskStatus{model.TaskStatusRunning}})
	}
	if err != nil {
		s.logger.Error("health check store query", "error", err)
		resp.Status = "degraded"
		resp.Store = "error"
	}
	resp.Queued = queued

	respondOK(w, reqID, resp)
}
