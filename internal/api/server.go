package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"container-job-runner/internal/models"
	"container-job-runner/internal/orchestrator"
	"container-job-runner/internal/telemetry"
)

// Runner executes one job per call.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) models.JobResult
}

// Limiter admits or rejects a request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// History looks up stored runs and returns models.ErrRunNotFound for unknown names.
type History interface {
	GetRun(ctx context.Context, name string) (models.RunRecord, error)
}

// Server wires HTTP handlers for the function host.
type Server struct {
	runner  Runner
	limiter Limiter
	history History
	logger  *slog.Logger
}

// New constructs the API server. limiter and history may be nil.
func New(runner Runner, limiter Limiter, history History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		runner:  runner,
		limiter: limiter,
		history: history,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit).Post("/run-job", s.handleRun)
		r.With(s.rateLimit).Get("/run-job", s.handleRun)
		r.Get("/runs/{name}", s.handleGetRun)
	})
	return r
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type runResponse struct {
	Success  bool   `json:"success"`
	State    string `json:"state"`
	ExitCode *int   `json:"exitCode"`
	Logs     string `json:"logs"`
	JobName  string `json:"jobName,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.RunRequest{
		Caller: callerName(r),
		Tenant: tenantFromRequest(r),
	}
	s.logger.Info("run requested", "method", r.Method, "caller", req.Caller, "tenant", req.Tenant)

	result := s.runner.Run(r.Context(), req)
	status, body := responseFor(result)
	writeJSON(w, status, body)
}

// responseFor maps a run result to a status code and body. Only a terminal
// run with exit code zero is a 200.
func responseFor(result models.JobResult) (int, any) {
	if errors.Is(result.Err, orchestrator.ErrConfiguration) || errors.Is(result.Err, orchestrator.ErrSubmission) {
		return http.StatusInternalServerError, errorResponse{Success: false, Message: result.Message}
	}
	body := runResponse{
		Success:  result.Success,
		State:    result.State,
		ExitCode: result.ExitCode,
		Logs:     result.Logs,
		JobName:  result.JobName,
		Message:  result.Message,
	}
	if result.Success {
		return http.StatusOK, body
	}
	return http.StatusInternalServerError, body
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "run history is not configured"})
		return
	}
	name := chi.URLParam(r, "name")
	rec, err := s.history.GetRun(r.Context(), name)
	if errors.Is(err, models.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Message: fmt.Sprintf("run %s not found", name)})
		return
	}
	if err != nil {
		s.logger.Error("load run failed", "job", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "failed to load run"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+tenantFromRequest(r))
		if err != nil {
			s.logger.Error("rate limit check failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "rate limit error"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerName reads the optional name from the query string or a plain-text body.
func callerName(r *http.Request) string {
	if v := r.URL.Query().Get("name"); v != "" {
		return v
	}
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
