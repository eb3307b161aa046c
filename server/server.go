// Package server exposes a Roundtable over HTTP:
//
//	POST /v1/invocations -> run one invocation, body is a roundtable.Request
//	GET  /v1/runs/{id}   -> ledger record of a run
//	GET  /v1/contracts   -> contract catalog
//	GET  /healthz        -> liveness
//
// Every invocation response body is a roundtable.Response and carries the run
// id, whatever the HTTP status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hupe1980/roundtable"
	"github.com/hupe1980/roundtable/core"
	"github.com/hupe1980/roundtable/logging"
)

// DefaultMaxBodyBytes limits request bodies to 1 MiB.
const DefaultMaxBodyBytes = 1 << 20

// Invoker is the subset of *roundtable.Roundtable served over HTTP.
type Invoker interface {
	Invoke(ctx context.Context, req roundtable.Request) roundtable.Response
	Run(ctx context.Context, runID string) (core.RunRecord, error)
	Contracts() []core.Contract
}

// Options configures the HTTP transport.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	Logger          logging.Logger
}

// Server serves an Invoker.
type Server struct {
	inv    Invoker
	opts   Options
	logger logging.Logger
}

// New creates a Server.
func New(inv Invoker, optFns ...func(o *Options)) *Server {
	opts := Options{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    6 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Server{inv: inv, opts: opts, logger: opts.Logger}
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/invocations", s.handleInvoke)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRun)
	mux.HandleFunc("GET /v1/contracts", s.handleContracts)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		encode(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return otelhttp.NewHandler(mux, "roundtable",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.Pattern
		}))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req roundtable.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		encode(w, code, roundtable.Response{
			RunID:   req.RunID,
			Status:  roundtable.StatusInvalidRequest,
			Message: "decoding request: " + err.Error(),
		})
		return
	}

	resp := s.inv.Invoke(r.Context(), req)
	encode(w, HTTPStatus(resp), resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.inv.Run(r.Context(), id)
	switch {
	case err == nil:
		encode(w, http.StatusOK, rec)
	case errors.Is(err, core.ErrRunNotFound):
		encode(w, http.StatusNotFound, errorBody{RunID: id, Message: err.Error()})
	default:
		s.logger.Error("Run lookup failed", "run_id", id, "error", err)
		encode(w, http.StatusServiceUnavailable, errorBody{RunID: id, Message: err.Error()})
	}
}

func (s *Server) handleContracts(w http.ResponseWriter, _ *http.Request) {
	contracts := s.inv.Contracts()
	out := make([]contractBody, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, contractBody{
			ToolID:                c.ToolID,
			Version:               c.Version,
			MaxCost:               c.MaxCost.Dollars(),
			MaxTokens:             c.MaxTokens,
			CostPerToken:          c.CostPerToken.Dollars(),
			EstimatedOutputTokens: c.EstimatedOutputTokens,
		})
	}
	encode(w, http.StatusOK, map[string]any{"contracts": out})
}

// HTTPStatus maps an invocation status to an HTTP status code.
func HTTPStatus(resp roundtable.Response) int {
	switch resp.Status {
	case roundtable.StatusSuccess, roundtable.StatusBudgetExceeded:
		return http.StatusOK
	case roundtable.StatusReplay:
		if resp.Pending {
			return http.StatusAccepted
		}
		return http.StatusOK
	case roundtable.StatusInvalidRequest:
		return http.StatusBadRequest
	case roundtable.StatusPreconditionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	RunID   string `json:"runId,omitempty"`
	Message string `json:"message"`
}

type contractBody struct {
	ToolID                string  `json:"toolId"`
	Version               int     `json:"version"`
	MaxCost               float64 `json:"maxCost"`
	MaxTokens             int     `json:"maxTokens"`
	CostPerToken          float64 `json:"costPerToken"`
	EstimatedOutputTokens int     `json:"estimatedOutputTokens,omitempty"`
}

func encode(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
