// Package server exposes the conversation service over HTTP.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/llmchat/llmchat/config"
	"github.com/ZanzyTHEbar/llmchat/llmchat/conversation"
	"github.com/ZanzyTHEbar/llmchat/llmchat/generation/harness"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/xeipuuv/gojsonschema"
)

const (
	ConversePath = "/api/converse"
	HealthPath   = "/healthz"

	requestIDHeader = "X-Request-ID"
	maxRequestIDLen = 128
)

//go:embed converse.schema.json
var converseSchema []byte

// ConverseRequest is the body of POST /api/converse.
type ConverseRequest struct {
	Conversation conversation.Conversation `json:"conversation"`
}

// ConverseResponse is a successful reply.
type ConverseResponse struct {
	Reply        string `json:"reply"`
	FinishReason string `json:"finish_reason"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthReporter reports whether the model behind the service can serve.
type HealthReporter interface {
	IsHealthy() bool
}

// Server serves the converse endpoint.
type Server struct {
	converser       harness.Converser
	health          HealthReporter
	cfg             config.ServerConfig
	logger          zerolog.Logger
	schema          *gojsonschema.Schema
	shutdownTimeout time.Duration
}

// New compiles the request schema and wires the handlers. health may be nil.
func New(converser harness.Converser, health HealthReporter, cfg config.ServerConfig, logger zerolog.Logger) (*Server, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(converseSchema))
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		converser:       converser,
		health:          health,
		cfg:             cfg,
		logger:          logger.With().Str("component", "server").Logger(),
		schema:          schema,
		shutdownTimeout: 30 * time.Second,
	}, nil
}

// Handler returns the routed handler with request-id and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+ConversePath, s.handleConverse)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	return s.withRequestLogging(mux)
}

// ListenAndServe listens on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully, letting in-flight replies finish within the shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	var wg conc.WaitGroup
	defer wg.Wait()
	wg.Go(func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleConverse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(ctx, w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	if err := s.validate(body); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, err)
		return
	}

	var req ConverseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(ctx, w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}

	conv := req.Conversation
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	logger := zerolog.Ctx(ctx).With().Str("conversation_id", conv.ID).Logger()
	ctx = logger.WithContext(ctx)

	out, err := s.converser.ConverseOutcome(ctx, conv)
	if err != nil {
		s.writeError(ctx, w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, ConverseResponse{Reply: out.Text, FinishReason: string(out.Reason)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) validate(body []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// statusFor maps service error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, harness.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case harness.IsCancellation(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, harness.ErrInferenceFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := zerolog.Ctx(ctx)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Msg("Request failed")
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withRequestLogging tags each request with an id, carries a request-scoped
// logger in the context and writes one access line per request.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		logger := s.logger.With().Str("request_id", id).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
