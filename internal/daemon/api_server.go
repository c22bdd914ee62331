package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dar-k-dev/vidharvest/internal/broadcast"
	"github.com/dar-k-dev/vidharvest/internal/deps"
	"github.com/dar-k-dev/vidharvest/internal/history"
	"github.com/dar-k-dev/vidharvest/internal/jobs"
	"github.com/dar-k-dev/vidharvest/internal/logging"
	"github.com/dar-k-dev/vidharvest/internal/services"
	"github.com/dar-k-dev/vidharvest/internal/workflow"
)

type statusProvider interface {
	Status() Status
}

type apiServer struct {
	bind    string
	logger  *slog.Logger
	manager *workflow.Manager
	hub     *broadcast.Hub
	ledger  *history.Store
	status  statusProvider

	listener net.Listener
	server   *http.Server
}

func newAPIServer(bind string, manager *workflow.Manager, hub *broadcast.Hub, ledger *history.Store, status statusProvider, logger *slog.Logger) *apiServer {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	srv := &apiServer{
		bind:    bind,
		logger:  logging.NewComponentLogger(logger, "api"),
		manager: manager,
		hub:     hub,
		ledger:  ledger,
		status:  status,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/history", s.handleHistory)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Delete("/", s.handleCancelJob)
				r.Post("/delivered", s.handleConfirmDelivery)
			})
		})
	})
	return r
}

func (s *apiServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		ctx := services.WithRequestID(r.Context(), requestID)
		s.logger.Debug("request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.String(logging.FieldCorrelationID, requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// jobPayload is the wire form of a job in API responses.
type jobPayload struct {
	ID              string            `json:"id"`
	State           jobs.State        `json:"state"`
	URL             string            `json:"url"`
	Quality         string            `json:"quality,omitempty"`
	Format          string            `json:"format"`
	Platform        string            `json:"platform"`
	Priority        int               `json:"priority"`
	Enhancements    jobs.Enhancements `json:"enhancements"`
	ProgressPercent int               `json:"progress_percent"`
	StageLabel      string            `json:"stage_label,omitempty"`
	ArtifactPath    string            `json:"artifact_path,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	ReadyAt         *time.Time        `json:"ready_at,omitempty"`
}

func payloadFromJob(job jobs.Job) jobPayload {
	return jobPayload{
		ID:              job.ID,
		State:           job.State,
		URL:             job.Request.URL,
		Quality:         job.Request.Quality,
		Format:          job.Request.Format,
		Platform:        job.Request.Platform,
		Priority:        job.Request.Priority,
		Enhancements:    job.Request.Enhancements,
		ProgressPercent: job.ProgressPercent,
		StageLabel:      job.StageLabel,
		ArtifactPath:    job.ArtifactPath,
		ErrorMessage:    job.ErrorMessage,
		Attempts:        job.RetryCount,
		CreatedAt:       job.CreatedAt,
		ReadyAt:         job.ReadyAt,
	}
}

type createJobRequest struct {
	URL          string            `json:"url"`
	Quality      string            `json:"quality"`
	Format       string            `json:"format"`
	Platform     string            `json:"platform"`
	Priority     int               `json:"priority"`
	Enhancements jobs.Enhancements `json:"enhancements"`
}

func (s *apiServer) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var payload createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}

	req, err := buildRequest(payload)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := s.manager.Enqueue(req)
	s.writeJSON(w, http.StatusCreated, payloadFromJob(job))
}

func (s *apiServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	listed := s.manager.List()
	payloads := make([]jobPayload, 0, len(listed))
	for _, job := range listed {
		payloads = append(payloads, payloadFromJob(job))
	}
	s.writeJSON(w, http.StatusOK, map[string][]jobPayload{"jobs": payloads})
}

func (s *apiServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payloadFromJob(job))
}

func (s *apiServer) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Cancel(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payloadFromJob(job))
}

func (s *apiServer) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.ConfirmDelivery(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payloadFromJob(job))
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status.Status()
	healthy := status.Running && deps.Healthy(status.Dependencies)
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]bool{"healthy": healthy})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.writeJSON(w, http.StatusOK, map[string][]history.Entry{"entries": {}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	entries, err := s.ledger.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]history.Entry{"entries": entries})
}

// handleEvents streams job updates as server-sent events. Delivery is best
// effort: a watcher that connects late sees only new updates, and a slow
// reader loses updates rather than stalling the pipeline.
func (s *apiServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.hub.Subscribe(32)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: job\ndata: %s\n\n", event.Seq, data)
			flusher.Flush()
		}
	}
}

func (s *apiServer) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		s.logger.Warn("rejected job transition", logging.Error(err))
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", logging.Error(err))
		s.writeError(w, http.StatusInternalServerError, services.UserMessage(err))
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("write response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"error": message})
}
