package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/allyourbase/smsd/internal/config"
	"github.com/allyourbase/smsd/internal/httputil"
	"github.com/allyourbase/smsd/internal/sms"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server is the HTTP front end for the SMS service.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	sms       *sms.Service
	startTime time.Time
	logBuffer *LogBuffer // nil when not using buffered logging
}

// New creates a new Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, svc *sms.Service) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		sms:       svc,
		startTime: time.Now(),
	}

	// Health check is always open so load balancers can probe it.
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIToken(cfg.Server.APIToken))
		r.Use(middleware.AllowContentType("application/json"))

		r.Route("/sms", func(r chi.Router) {
			r.Post("/send", s.handleSend)
			r.Post("/batch", s.handleSendBatch)
			r.Post("/verification-code", s.handleVerificationCode)
			r.Get("/messages/{id}/status", s.handleDeliveryStatus)
			r.Get("/history", s.handleSendHistory)
			r.Get("/rate-limit/{phone}", s.handleRateLimitStatus)
			r.Delete("/rate-limit/{phone}", s.handleRateLimitReset)
		})

		r.Get("/logs", s.handleLogs)
	})

	return s
}

// SetLogBuffer attaches a log buffer for the /api/logs endpoint.
func (s *Server) SetLogBuffer(lb *LogBuffer) {
	s.logBuffer = lb
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server starting", "address", s.cfg.Address(), "provider", s.sms.ProviderName())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address(), "provider", s.sms.ProviderName())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, then releases the SMS service.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	var err error
	if s.http != nil {
		err = s.http.Shutdown(shutdownCtx)
	}
	if cerr := s.sms.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing sms service: %w", cerr)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"provider":       s.sms.ProviderName(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		httputil.WriteError(w, http.StatusNotFound, "log buffering is not enabled")
		return
	}
	level := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			httputil.WriteFieldError(w, http.StatusBadRequest, "invalid query", "level", "invalid_level", err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"items": s.logBuffer.Entries(level),
	})
}
