package server

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/enmapper/caravan/internal/llm"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8099"
}

// Server is the HTTP front end for starting and observing migrations.
type Server struct {
	config   Config
	registry *MigrationRegistry
	client   *llm.Client
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *zap.Logger
}

// New creates a new Server with the given config. The client routes all
// generation requests issued by runs this server starts.
func New(cfg Config, client *llm.Client, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   cfg,
		registry: NewMigrationRegistry(),
		client:   client,
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /migrations", s.handleSubmitMigration)
	mux.HandleFunc("GET /migrations", s.handleListMigrations)
	mux.HandleFunc("GET /migrations/{id}", s.handleGetMigration)
	mux.HandleFunc("GET /migrations/{id}/events", s.handleMigrationEvents)
	mux.HandleFunc("GET /migrations/{id}/report", s.handleGetReport)
	mux.HandleFunc("GET /migrations/{id}/catalog", s.handleGetCatalog)
	mux.HandleFunc("GET /migrations/{id}/analysis", s.handleGetAnalysis)
	mux.HandleFunc("GET /migrations/{id}/failures", s.handleListFailures)
	mux.HandleFunc("POST /migrations/{id}/cancel", s.handleCancelMigration)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// Handler exposes the configured HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
		s.Shutdown()
	}()

	s.logger.Info("listening", zap.String("addr", s.config.Addr))
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from malicious
// web pages while allowing CLI and programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and cancels all running migrations.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
