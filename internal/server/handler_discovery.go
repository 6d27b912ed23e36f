package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "ledispatch API",
		Version:     "v1",
		Description: "Analysis task dispatch: queueing, leasing and lifecycle of verification analysis tasks",
		Endpoints: []endpointInfo{
			{"/api/v1/tasks", []string{"GET", "POST"}, "List or queue analysis tasks"},
			{"/api/v1/tasks/next", []string{"GET"}, "Claim the next task (?api_version=&continuous=&types=). 204 when none"},
			{"/api/v1/tasks/complete", []string{"PUT"}, "Complete active tasks by identity"},
			{"/api/v1/tasks/{id}", []string{"GET"}, "Single task detail"},
			{"/api/v1/tasks/{id}/complete", []string{"PUT"}, "Complete one task"},
			{"/api/v1/tasks/{id}/failure", []string{"POST"}, "Report a task failure"},
			{"/api/v1/experimental-tasks", []string{"POST"}, "Queue an experimental task"},
			{"/api/v1/experimental-tasks/next", []string{"GET"}, "Claim the next experimental task"},
			{"/api/v1/experimental-tasks/{id}/complete", []string{"PUT"}, "Complete an experimental task"},
			{"/api/v1/experiments", []string{"GET", "POST"}, "List experiments for a type (?analysis_type=) or register one"},
			{"/api/v1/slots/active", []string{"GET"}, "Whether a configuration has active tasks"},
			{"/api/v1/slots/{slot}/eligible", []string{"GET"}, "Whether a slot is out of backoff"},
			{"/api/v1/slots/{slot}/backoff", []string{"GET"}, "Backoff count for the next attempt"},
			{"/api/v1/slots/{slot}/timed-out", []string{"GET"}, "Whether the slot's latest task timed out"},
			{"/api/v1/slots/{slot}/service", []string{"GET"}, "Service owning a workflow slot"},
			{"/api/v1/slots/{slot}/retire-failed", []string{"POST"}, "Retire a slot's last-retry RUNNING task for a minute (?minute=)"},
			{"/api/v1/contexts", []string{"POST"}, "Queue an analysis context"},
			{"/api/v1/contexts/next", []string{"GET"}, "Claim the next analysis context"},
			{"/api/v1/contexts/{id}/status", []string{"PUT"}, "Set an analysis context status"},
			{"/api/v1/supervised", []string{"GET"}, "Whether a supervised model should be used"},
			{"/api/v1/workers", []string{"GET", "POST"}, "List or register workers"},
			{"/api/v1/workers/{id}/work", []string{"GET"}, "Worker checkout"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
