// Package server exposes the read-side status API over HTTP: task listing,
// task submission (published to the broker, never written to the store
// directly), Prometheus metrics and a WebSocket feed of task changes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/taskwire/taskwire/internal/coord"
	"github.com/taskwire/taskwire/internal/dispatch"
	"github.com/taskwire/taskwire/internal/envelope"
	"github.com/taskwire/taskwire/internal/metrics"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/task"
)

// APIError is an error response body.
type APIError struct {
	Error string `json:"error"`
}

// APIResponse is a success response body.
type APIResponse struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// taskView is a task record enriched with its unmet upstream dependencies.
type taskView struct {
	task.Task
	Awaits []string `json:"awaits,omitempty"`
}

// Server is the HTTP status server.
type Server struct {
	port          string
	store         store.Store
	coord         *coord.Coordinator
	pub           dispatch.Publisher
	submitSubject string
	metrics       *metrics.Metrics
	hub           *Hub
	logger        *slog.Logger
	server        *http.Server
}

// New creates a status server. The publisher carries submissions to the
// broker so the dispatcher remains the single writer of task state.
func New(port string, st store.Store, co *coord.Coordinator, pub dispatch.Publisher, submitSubject string, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:          port,
		store:         st,
		coord:         co,
		pub:           pub,
		submitSubject: submitSubject,
		metrics:       m,
		hub:           NewHub(logger),
		logger:        logger,
	}
}

// TaskListener returns the dispatcher listener feeding the WebSocket hub.
func (s *Server) TaskListener() dispatch.Listener {
	return func(t task.Task) {
		s.hub.Broadcast(t)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth())
	mux.HandleFunc("/tasks", s.handleTasks())
	mux.HandleFunc("/tasks/", s.handleTaskByURL())
	mux.HandleFunc("/ws", s.hub.ServeWS)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	s.server = &http.Server{
		Addr:    ":" + s.port,
		Handler: s.logRequest(mux),
	}

	go s.hub.Run(ctx)
	go func() {
		s.logger.Info("status server starting", "port", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the HTTP server down with a bounded grace period.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down status server")
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, APIResponse{
			Message: "OK",
			Data: map[string]string{
				"status": "healthy",
				"time":   time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
}

func (s *Server) handleTasks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTasks(w, r)
		case http.MethodPost:
			s.submitTask(w, r)
		default:
			s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, "Failed to list tasks", http.StatusInternalServerError)
		return
	}

	views := make([]taskView, 0, len(all))
	for _, t := range all {
		views = append(views, taskView{Task: *t, Awaits: s.coord.WaitingEdges(t.URL)})
	}

	s.writeJSON(w, APIResponse{Message: "Tasks retrieved successfully", Data: views})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var sub envelope.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateSubmission(sub); err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub.Time = time.Now().UTC()
	data, err := envelope.EncodeSubmission(sub)
	if err != nil {
		s.writeError(w, "Failed to encode submission", http.StatusInternalServerError)
		return
	}

	if err := s.pub.Publish(r.Context(), s.submitSubject, data); err != nil {
		s.logger.Error("failed to publish submission", "url", sub.URL, "error", err)
		s.writeError(w, "Failed to submit task", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, APIResponse{Message: "Task submitted", Data: sub})
}

func (s *Server) handleTaskByURL() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		raw := strings.TrimPrefix(r.URL.Path, "/tasks/")
		taskURL, err := url.PathUnescape(raw)
		if err != nil || taskURL == "" {
			s.writeError(w, "Invalid task URL", http.StatusBadRequest)
			return
		}

		t, err := s.store.Get(r.Context(), taskURL)
		if err != nil {
			s.writeError(w, "Task not found", http.StatusNotFound)
			return
		}

		s.writeJSON(w, APIResponse{
			Message: "Task retrieved successfully",
			Data:    taskView{Task: *t, Awaits: s.coord.WaitingEdges(t.URL)},
		})
	}
}

func validateSubmission(sub envelope.Submission) error {
	for _, up := range sub.Awaits {
		if up == "" {
			return fmt.Errorf("awaits entries must not be empty")
		}
		if sub.URL != "" && up == sub.URL {
			return fmt.Errorf("task cannot await itself")
		}
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Error: message}); err != nil {
		s.logger.Error("failed to encode error response", "error", err)
	}
}
