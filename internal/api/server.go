package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/models"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/queue"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/ratelimit"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/store"
	"github.com/JTC-AURI-STUDIO/jtc-git-remix-br/internal/telemetry"
)

// Server exposes the queue over HTTP. The queue contract lives on a
// single action-discriminated endpoint; the jobs routes are for
// operators.
type Server struct {
	store   store.Store
	ctrl    *queue.Controller
	limiter *ratelimit.TokenBucket // nil disables join rate limiting
	log     *zap.Logger
}

// New constructs the API server.
func New(st store.Store, ctrl *queue.Controller, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		store:   st,
		ctrl:    ctrl,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/v1/queue", s.handleQueue)
	r.Get("/v1/jobs/{id}", s.handleGetJob)
	r.Get("/v1/jobs", s.handleListJobs)
	return r
}

type queueRequest struct {
	Action     string `json:"action"`
	SourceRepo string `json:"source_repo"`
	TargetRepo string `json:"target_repo"`
	QueueID    string `json:"queue_id"`
}

type joinResponse struct {
	QueueID  string `json:"queue_id"`
	Position int    `json:"position"`
}

type ackResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	switch req.Action {
	case "join":
		s.handleJoin(w, r, req)
	case "position":
		s.handlePosition(w, r, req)
	case "done":
		s.handleFinish(w, r, req, models.StatusDone)
	case "error":
		s.handleFinish(w, r, req, models.StatusError)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, req queueRequest) {
	if req.SourceRepo == "" || req.TargetRepo == "" {
		writeError(w, http.StatusBadRequest, "source_repo and target_repo are required")
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("rl:join:%s", clientKey(r))
		allowed, retryAfter, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, position, err := s.ctrl.Enqueue(r.Context(), req.SourceRepo, req.TargetRepo)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{QueueID: job.ID, Position: position})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, req queueRequest) {
	if req.QueueID == "" {
		writeError(w, http.StatusBadRequest, "queue_id is required")
		return
	}
	res, err := s.ctrl.Poll(r.Context(), req.QueueID)
	if err != nil {
		s.log.Error("poll failed", zap.String("queue_id", req.QueueID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "poll failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request, req queueRequest, status models.Status) {
	if req.QueueID == "" {
		writeError(w, http.StatusBadRequest, "queue_id is required")
		return
	}
	var ok bool
	var err error
	if status == models.StatusDone {
		ok, err = s.ctrl.MarkDone(r.Context(), req.QueueID)
	} else {
		ok, err = s.ctrl.MarkError(r.Context(), req.QueueID)
	}
	if err != nil {
		s.log.Error("finish failed", zap.String("queue_id", req.QueueID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "finish failed")
		return
	}
	// Unknown ids answer ok=false with a 200: the row may simply have
	// been swept, which is not a client fault.
	writeJSON(w, http.StatusOK, ackResponse{OK: ok})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusWaiting
	}
	switch status {
	case models.StatusWaiting, models.StatusRunning, models.StatusDone, models.StatusError:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.store.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// clientKey identifies the caller for rate limiting: the X-Client-ID
// header when present, the remote IP otherwise.
func clientKey(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
