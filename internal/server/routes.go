package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
)

// registerRoutes sets up all admin API routes on the mux. Everything except
// health, version, and token issuance requires a valid bearer token — the
// queue-mutating and diagnostic surface is not meant for anonymous callers.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	protect := bearerTokenMiddleware(s.config)

	// System — public
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/auth/token", s.handleAuthToken)

	// System — protected
	mux.Handle("/api/config", protect(http.HandlerFunc(s.handleConfig)))
	mux.Handle("/api/diagnostics", protect(http.HandlerFunc(s.handleDiagnostics)))
	mux.Handle("/api/shutdown", protect(http.HandlerFunc(s.handleShutdown)))
	mux.Handle("/debug/memstats", protect(http.HandlerFunc(s.handleMemstats)))

	// Jobs — protected
	mux.Handle("/api/jobs/by-run/", protect(http.HandlerFunc(s.handleJobsByRunID)))
	mux.Handle("/api/jobs/", protect(http.HandlerFunc(s.routeJobs))) // {id}, {id}/abort
	mux.Handle("/api/jobs", protect(http.HandlerFunc(s.handleJobs))) // POST enqueue, GET list

	// WebSocket subscription — protected
	mux.Handle("/api/ws/jobs", protect(http.HandlerFunc(s.handleJobsWS)))
}

// routeJobs dispatches /api/jobs/{id} and /api/jobs/{id}/abort.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		WriteError(w, http.StatusNotFound, "job id is required")
		return
	}

	if strings.HasSuffix(path, "/abort") {
		s.handleJobAbort(w, r, strings.TrimSuffix(path, "/abort"))
		return
	}

	s.handleJobByID(w, r, path)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"environment":    s.config.Environment,
		"backend_kind":   s.config.Backend.Kind,
		"queue_name":     s.config.Queue.Name,
		"max_concurrent": s.config.Queue.MaxConcurrent,
		"gemini_model":   s.config.Providers.Gemini.Model,
		"gemini_key_set": s.config.Providers.Gemini.APIKey != "",
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	correlationID := r.URL.Query().Get("correlation_id")
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	uptime := time.Since(s.startupTime).Round(time.Second)

	resp := map[string]interface{}{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"commit":     common.GetGitCommit(),
		"uptime":     uptime.String(),
		"started_at": s.startupTime,
	}

	if correlationID != "" {
		if logs, err := s.logger.GetMemoryLogsForCorrelation(correlationID); err == nil {
			resp["correlation_logs"] = logs
		}
	}

	if logs, err := s.logger.GetMemoryLogsWithLimit(limit); err == nil {
		resp["recent_logs"] = logs
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("shutdown requested via HTTP endpoint")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

type authTokenRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	var req authTokenRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if err := verifyAdminPassword(s.config, req.Password); err != nil {
		WriteError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := signAdminToken(s.config)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(s.config.Auth.GetTokenExpiry().Seconds()),
	})
}

func (s *Server) handleMemstats(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"heap_alloc_bytes": m.HeapAlloc,
		"heap_inuse_bytes": m.HeapInuse,
		"heap_idle_bytes":  m.HeapIdle,
		"sys_bytes":        m.Sys,
		"num_gc":           m.NumGC,
	})
}

// --- Jobs handlers ---

// enqueueRequest is the JSON body accepted by POST /api/jobs.
type enqueueRequest struct {
	QueueName  string            `json:"queue_name"`
	JobRunID   string            `json:"job_run_id,omitempty"`
	Input      json.RawMessage   `json:"input"`
	MaxRetries int               `json:"max_retries,omitempty"`
	RunAfter   *time.Time        `json:"run_after,omitempty"`
	DeadlineAt *time.Time        `json:"deadline_at,omitempty"`
	Prefix     map[string]string `json:"prefix,omitempty"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleJobEnqueue(w, r)
	case http.MethodGet:
		s.handleJobList(w, r)
	default:
		RequireMethod(w, r, http.MethodPost, http.MethodGet)
	}
}

func (s *Server) handleJobEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.QueueName == "" {
		WriteError(w, http.StatusBadRequest, "queue_name is required")
		return
	}

	job := &queue.Job{
		QueueName:  req.QueueName,
		JobRunID:   req.JobRunID,
		Input:      []byte(req.Input),
		MaxRetries: req.MaxRetries,
		Prefix:     req.Prefix,
	}
	if req.RunAfter != nil {
		job.RunAfter = *req.RunAfter
	}
	job.DeadlineAt = req.DeadlineAt
	if len(job.Input) > 0 {
		fp, err := queue.Fingerprint(job.Input)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid input: "+err.Error())
			return
		}
		job.Fingerprint = fp
	}

	id, err := s.storage.Add(r.Context(), job)
	if err != nil {
		var qerr *queue.Error
		if errors.As(err, &qerr) && qerr.Kind == queue.KindConfiguration {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn().Err(err).Msg("enqueue failed")
		WriteError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status == "" {
		status = queue.StatusPending
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}

	jobs, err := s.storage.Peek(r.Context(), status, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		job, err := s.storage.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to get job")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if err := s.storage.Delete(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to delete job")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleJobAbort(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if err := s.runtime.Abort(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to abort job")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobsByRunID(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/api/jobs/by-run/")
	if runID == "" {
		WriteError(w, http.StatusBadRequest, "run id is required in path")
		return
	}
	jobs, err := s.storage.GetByRunID(r.Context(), runID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list jobs for run")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (s *Server) handleJobsWS(w http.ResponseWriter, r *http.Request) {
	s.jobHub.ServeWS(w, r)
}
