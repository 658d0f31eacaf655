package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/meridianhq/axis/pkg/approval"
	"github.com/meridianhq/axis/pkg/events"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/log"
	"github.com/meridianhq/axis/pkg/metrics"
	"github.com/meridianhq/axis/pkg/orchestrator"
	"github.com/meridianhq/axis/pkg/queue"
	"github.com/meridianhq/axis/pkg/router"
	"github.com/meridianhq/axis/pkg/rules"
	"github.com/meridianhq/axis/pkg/types"
	"github.com/meridianhq/axis/pkg/worker"
)

// Deps are the runtime components the HTTP surface fronts.
type Deps struct {
	Queue        *queue.Queue
	Approvals    *approval.Coordinator
	Rules        *rules.Engine
	Orchestrator *orchestrator.Orchestrator
	Router       *router.Router
	Broker       *events.Broker
	Pool         *worker.Pool
}

// Server is the local HTTP API. It binds to loopback by default; there is
// no authentication layer, the listener address is the boundary.
type Server struct {
	http   *http.Server
	deps   Deps
	logger zerolog.Logger
}

// NewServer builds the server and its routes.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/health", metrics.HealthHandler())
	r.Get("/ready", metrics.ReadyHandler())
	r.Get("/live", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.postMessage)
		r.Post("/dispatch", s.dispatchMessage)

		r.Get("/jobs", s.listJobs)
		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{id}", s.getJob)
		r.Post("/jobs/{id}/approve", s.approveJob)
		r.Post("/jobs/{id}/reject", s.rejectJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)

		r.Get("/rules", s.listRules)
		r.Post("/rules", s.createRule)
		r.Delete("/rules/{id}", s.deleteRule)

		r.Get("/events", s.streamEvents)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// observe records request metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type postMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// postMessage is the UI entry point: a conversation message becomes a
// pending job.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "malformed request: "+err.Error())
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "content is required")
		return
	}

	job, err := s.deps.Queue.CreateJob(queue.CreateOptions{
		Content:        req.Content,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"id":    ident.NewID(),
		"jobId": job.ID,
	})
}

// dispatchMessage injects a raw envelope onto the router. This is how
// external collaborators answer and how operators poke components.
func (s *Server) dispatchMessage(w http.ResponseWriter, r *http.Request) {
	var msg router.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "malformed message: "+err.Error())
		return
	}

	resp, err := s.deps.Router.Dispatch(r.Context(), &msg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type createJobRequest struct {
	Content        string            `json:"content"`
	ConversationID string            `json:"conversationId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "malformed request: "+err.Error())
		return
	}
	if req.Content == "" {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "content is required")
		return
	}

	job, err := s.deps.Queue.CreateJob(queue.CreateOptions{
		Content:        req.Content,
		ConversationID: req.ConversationID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*types.Job
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err = s.deps.Queue.ListByStatus(types.JobStatus(status))
	} else {
		jobs, err = s.deps.Queue.List()
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Queue.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, types.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type approveRequest struct {
	Nonce string `json:"nonce"`
}

func (s *Server) approveJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInvalidNonce, "malformed request: "+err.Error())
		return
	}

	if err := s.deps.Approvals.Approve(jobID, req.Nonce); err != nil {
		s.writeJobError(w, err)
		return
	}

	// Execution continues off the request path.
	go s.deps.Orchestrator.Resume(jobID)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) rejectJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "malformed request: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "rejected by user"
	}

	if err := s.deps.Approvals.Reject(jobID, req.Reason); err != nil {
		s.writeJobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := s.deps.Queue.Cancel(jobID)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	if s.deps.Pool != nil {
		s.deps.Pool.CancelJob(jobID)
	}
	s.writeJSON(w, http.StatusOK, job)
}

type createRuleRequest struct {
	ActionPattern string            `json:"actionPattern"`
	Scope         string            `json:"scope,omitempty"`
	Verdict       types.RuleVerdict `json:"verdict"`
	TTLHours      int               `json:"ttlHours,omitempty"`
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "malformed request: "+err.Error())
		return
	}
	if req.ActionPattern == "" {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal, "actionPattern is required")
		return
	}
	if req.Verdict != types.RuleApprove && req.Verdict != types.RuleDeny {
		s.writeError(w, http.StatusBadRequest, types.ErrInternal,
			fmt.Sprintf("verdict must be %q or %q", types.RuleApprove, types.RuleDeny))
		return
	}

	rule, err := s.deps.Rules.Add(req.ActionPattern, req.Scope, req.Verdict, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Rules.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.Remove(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamEvents pushes broker events as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, "streaming unsupported")
		return
	}

	sub := s.deps.Broker.Subscribe()
	defer s.deps.Broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeJobError maps taxonomy kinds onto HTTP statuses.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var je *types.JobError
	if !errors.As(err, &je) {
		s.writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch je.Kind {
	case types.ErrInvalidNonce:
		status = http.StatusUnauthorized
	case types.ErrNonceConsumed, types.ErrIllegalTransition:
		status = http.StatusConflict
	case types.ErrNonceExpired:
		status = http.StatusGone
	case types.ErrDiskFull:
		status = http.StatusInsufficientStorage
	}
	s.writeError(w, status, je.Kind, je.Message)
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind types.ErrorKind, msg string) {
	s.writeJSON(w, status, map[string]any{
		"error": types.JobError{Kind: kind, Message: msg},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
