// Package gateway exposes the analysis service over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/orchestrator"
)

// Service is the part of the orchestrator the gateway drives.
type Service interface {
	StartAnalysis(ctx context.Context, rawURL string) (*domain.ListingRecord, error)
	Enqueue(id string) error
	GetStatus(ctx context.Context, id string) (*orchestrator.StatusView, error)
	Cancel(ctx context.Context, id string) error
}

var _ Service = (*orchestrator.Orchestrator)(nil)

const maxRequestBody = 64 << 10

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWatchInterval sets how often /watch polls the record.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.watchInterval = d
		}
	}
}

// Server serves the analysis API. When an auth token is configured every
// route except /healthz requires it as a Bearer token.
type Server struct {
	cfg           domain.ServerConfig
	svc           Service
	server        *http.Server
	logger        *slog.Logger
	watchInterval time.Duration

	addrMu      sync.RWMutex
	addr        string
	listenErrMu sync.Mutex
	listenErr   error
}

// NewServer builds the HTTP server. svc must not be nil.
func NewServer(cfg domain.ServerConfig, svc Service, opts ...Option) *Server {
	if svc == nil {
		panic("gateway: service must not be nil")
	}
	s := &Server{cfg: cfg, svc: svc, watchInterval: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(s)
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /analyze", s.handleAnalyze)
	api.HandleFunc("GET /analyze/{id}", s.handleStatus)
	api.HandleFunc("DELETE /analyze/{id}", s.handleCancel)
	api.HandleFunc("GET /analyze/{id}/watch", s.handleWatch)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	root.Handle("/", BearerAuth(cfg.AuthToken)(api))

	s.server = &http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Handler returns the HTTP handler used by the server. For testing without binding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the bound address after Run has started. Empty before Run.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// ListenErr returns the error from the initial Listen in Run, if any.
func (s *Server) ListenErr() error {
	s.listenErrMu.Lock()
	defer s.listenErrMu.Unlock()
	return s.listenErr
}

// netListen is the function used to listen; tests may replace it to force Listen errors.
var netListen = net.Listen

// serverShutdown is the function used to shut down the server; tests may replace it.
var serverShutdown = func(srv *http.Server, ctx context.Context) error {
	return srv.Shutdown(ctx)
}

// Run listens on the configured address and serves until shutdown is closed.
// It returns nil after a clean shutdown.
func (s *Server) Run(shutdown <-chan struct{}) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	ln, err := netListen("tcp", addr)
	if err != nil {
		s.listenErrMu.Lock()
		s.listenErr = err
		s.listenErrMu.Unlock()
		return err
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()
	s.log().Info("gateway listening", "addr", s.Addr())

	done := make(chan error, 1)
	go func() {
		done <- s.server.Serve(ln)
	}()

	select {
	case <-shutdown:
	case err := <-done:
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := serverShutdown(s.server, ctx); err != nil {
		return err
	}
	<-done
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

type analyzeRequest struct {
	URL string `json:"url"`
}

type analyzeResponse struct {
	Message   string                `json:"message"`
	Status    domain.AnalysisStatus `json:"status"`
	ListingID string                `json:"listing_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be JSON with a url field"})
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	rec, err := s.svc.StartAnalysis(r.Context(), req.URL)
	if errors.Is(err, orchestrator.ErrInvalidInput) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is not a valid listing link"})
		return
	}
	if err != nil {
		s.log().Error("start analysis failed", "url", req.URL, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "analysis could not be started"})
		return
	}

	message := "Analysis already submitted"
	if rec.Status == domain.StatusPending {
		switch err := s.svc.Enqueue(rec.ID); {
		case err == nil:
			message = "Analysis started"
		case errors.Is(err, orchestrator.ErrNotRunnable):
		default:
			s.log().Error("enqueue failed", "listing_id", rec.ID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "analysis could not be queued"})
			return
		}
	}
	if rec.Status == domain.StatusInvalidURL {
		message = "Listing URL is not supported"
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{Message: message, Status: rec.Status, ListingID: rec.ID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, analyzeResponse{Message: "Cancellation requested", Status: domain.StatusCancelled, ListingID: id})
	case errors.Is(err, orchestrator.ErrNotCancellable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "analysis already finished"})
	default:
		s.writeLookupError(w, r, err)
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrListingNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "listing not found"})
		return
	}
	s.log().Error("listing lookup failed", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "listing could not be read"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
