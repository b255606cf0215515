package server

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// Server runs the webhook/report API and optional management (health, metrics).
type Server struct {
	WebhookHandler http.Handler
	// ReportRoutes mounts the read endpoints; optional.
	ReportRoutes func(r chi.Router)
	// WebhookRequestsPerMinute throttles webhook posts per client IP; 0 disables it.
	WebhookRequestsPerMinute int
	// StoreReady pings storage for /ready; optional.
	StoreReady     func(ctx context.Context) error
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	TLSConfig      *tls.Config
	CertFile       string
	KeyFile        string
	ListenAddr     string
	ManagementAddr string
}

// Handler builds the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer, requestLogger(s.Logger))
	r.Group(func(r chi.Router) {
		if s.WebhookRequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.WebhookRequestsPerMinute, time.Minute))
		}
		// Both paths are in use by deployed honeypot configs
		r.Post("/api/webhook", s.WebhookHandler.ServeHTTP)
		r.Post("/webhook", s.WebhookHandler.ServeHTTP)
	})
	if s.ReportRoutes != nil {
		s.ReportRoutes(r)
	}
	return r
}

// ManagementHandler builds the health and metrics router.
func (s *Server) ManagementHandler() http.Handler {
	mgmt := chi.NewRouter()
	mgmt.Get("/health", s.serveLiveness)
	mgmt.Get("/live", s.serveLiveness)
	mgmt.Get("/ready", s.serveReadiness)
	if s.MetricsHandler != nil {
		mgmt.Handle("/metrics", s.MetricsHandler)
	}
	return mgmt
}

// Run starts the API server and optionally the management server (HTTP on separate port).
func (s *Server) Run(ctx context.Context) error {
	apiSrv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler(),
		TLSConfig:         s.tlsConfig(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.ManagementAddr != "" {
		mgmtSrv := &http.Server{
			Addr:              s.ManagementAddr,
			Handler:           s.ManagementHandler(),
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Second,
			IdleTimeout:       30 * time.Second,
		}
		go func() {
			s.Logger.Info().Str("addr", s.ManagementAddr).Msg("management server listening")
			if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Logger.Error().Err(err).Msg("management server")
			}
		}()
		defer func() {
			mgmtCtx, mgmtCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer mgmtCancel()
			_ = mgmtSrv.Shutdown(mgmtCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if s.CertFile != "" && s.KeyFile != "" {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("api server (HTTPS) listening")
			errCh <- apiSrv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		} else {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("api server listening (no TLS)")
			errCh <- apiSrv.ListenAndServe()
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Warn().Err(err).Msg("api server shutdown")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) serveLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveReadiness(w http.ResponseWriter, r *http.Request) {
	if s.StoreReady != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.StoreReady(ctx); err != nil {
			s.Logger.Debug().Err(err).Msg("readiness: store ping failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *Server) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	if s.CertFile != "" && s.KeyFile != "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}
