// Package api exposes the coordination plane over HTTP: execution CRUD,
// command submission, a server-sent-events stream per execution, health,
// and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dshills/flowexec-go/exec"
	"github.com/dshills/flowexec-go/exec/eventbus"
	"github.com/dshills/flowexec-go/exec/service"
	"github.com/dshills/flowexec-go/exec/store"
	"github.com/dshills/flowexec-go/flow"
)

// Options wires the API server. Service is required.
type Options struct {
	Service *service.Service
	Logger  *zap.Logger

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP surface of the platform.
type Server struct {
	svc      *service.Service
	log      *zap.Logger
	validate *validator.Validate
	router   chi.Router
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("api: service is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		svc:      opts.Service,
		log:      opts.Logger,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/v1/executions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{executionID}", s.handleGet)
		r.Post("/{executionID}/commands", s.handleCommand)
		r.Get("/{executionID}/events", s.handleEvents)
	})
	s.router = r
	return s, nil
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

type createExecutionRequest struct {
	FlowID            string         `json:"flowId" validate:"required"`
	Debug             bool           `json:"debug"`
	Breakpoints       []string       `json:"breakpoints"`
	MaxRetries        int            `json:"maxRetries" validate:"gte=0"`
	RetryDelayMs      int            `json:"retryDelayMs" validate:"gte=0"`
	ParentExecutionID string         `json:"parentExecutionId"`
	ExecutionDepth    int            `json:"executionDepth" validate:"gte=0"`
	Integrations      map[string]any `json:"integrations"`
}

type commandRequest struct {
	Command  string `json:"command" validate:"required,oneof=START STOP PAUSE RESUME STEP"`
	Reason   string `json:"reason"`
	NodeID   string `json:"nodeId"`
	IssuedBy string `json:"issuedBy"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.svc.CreateExecution(r.Context(), service.CreateParams{
		FlowID:            req.FlowID,
		Debug:             req.Debug,
		Breakpoints:       req.Breakpoints,
		MaxRetries:        req.MaxRetries,
		RetryDelayMs:      req.RetryDelayMs,
		ParentExecutionID: req.ParentExecutionID,
		ExecutionDepth:    req.ExecutionDepth,
		Integrations:      req.Integrations,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"executionId": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		FlowID:            q.Get("flowId"),
		Status:            exec.Status(q.Get("status")),
		ParentExecutionID: q.Get("parentExecutionId"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	rows, err := s.svc.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []*exec.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": rows})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	row, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	executionID := chi.URLParam(r, "executionID")
	if _, err := s.svc.GetExecution(r.Context(), executionID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	cmd := &exec.Command{
		ExecutionID: executionID,
		Command:     exec.CommandType(req.Command),
		Payload:     exec.CommandPayload{Reason: req.Reason, NodeID: req.NodeID},
		IssuedBy:    req.IssuedBy,
	}
	if err := s.svc.SendCommand(r.Context(), cmd); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"commandId": cmd.ID})
}

// handleEvents streams event batches as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	fromIndex, err := intParam(r.URL.Query().Get("from"), 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub, err := s.svc.SubscribeToEvents(r.Context(), executionID, int64(fromIndex), eventbus.BatchConfig{
		MaxWait: 250 * time.Millisecond,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case batch, open := <-sub.Batches():
			if !open {
				return
			}
			payload, err := json.Marshal(batch)
			if err != nil {
				s.log.Error("encode event batch", zap.Error(err))
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid numeric parameter %q", raw)
	}
	return n, nil
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exec.ErrConflict):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, flow.ErrNotFound), errors.Is(err, exec.ErrFlowNotFound):
		s.writeError(w, http.StatusNotFound, err)
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}
