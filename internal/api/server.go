package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"parts-enrichment/internal/models"
	"parts-enrichment/internal/queue"
	"parts-enrichment/internal/telemetry"
)

// Server wires HTTP handlers for the enrichment trigger layer.
type Server struct {
	manager *queue.Manager
}

// New constructs the API server.
func New(manager *queue.Manager) *Server {
	return &Server{manager: manager}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/enrichment", s.handleEnqueue)
	r.Get("/enrichment/{id}", s.handleTaskStatus)
	r.Post("/enrichment/{id}/cancel", s.handleCancel)
	r.Get("/queues", s.handleQueues)
	r.Get("/queues/{supplier}", s.handleQueue)
	r.Get("/stats", s.handleStats)
	return r
}

type enqueueRequest struct {
	SubjectID    string   `json:"subject_id"`
	SubjectName  string   `json:"subject_name"`
	Supplier     string   `json:"supplier"`
	Capabilities []string `json:"capabilities"`
	Priority     string   `json:"priority"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SubjectID == "" {
		http.Error(w, "subject_id is required", http.StatusBadRequest)
		return
	}
	if req.Supplier == "" {
		http.Error(w, "supplier is required", http.StatusBadRequest)
		return
	}
	if len(req.Capabilities) == 0 {
		http.Error(w, "capabilities are required", http.StatusBadRequest)
		return
	}

	capabilities := make([]models.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capability, err := models.ParseCapability(c)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		capabilities = append(capabilities, capability)
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, err := s.manager.QueuePartEnrichment(req.SubjectID, req.SubjectName, req.Supplier, capabilities, priority)
	if err != nil {
		if errors.Is(err, queue.ErrSupplierUnavailable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{TaskID: taskID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := s.manager.TaskStatus(id)
	if snap == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := s.manager.CancelTask(id)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.QueueStatuses())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "supplier")
	snap, ok := s.manager.QueueStatus(name)
	if !ok {
		http.Error(w, "supplier not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Statistics())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
