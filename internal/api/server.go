package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/flare/internal/deploy"
	"github.com/seantiz/flare/internal/dispatch"
	"github.com/seantiz/flare/internal/events"
	"github.com/seantiz/flare/internal/hypervisor"
	"github.com/seantiz/flare/internal/image"
	"github.com/seantiz/flare/internal/machine"
	"github.com/seantiz/flare/internal/proxy"
	"github.com/seantiz/flare/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultActivationTimeout = 30 * time.Second
)

// Deps are the components the API serves.
type Deps struct {
	Store      store.Store
	Machines   *machine.Manager
	Dispatcher *dispatch.Dispatcher
	Services   *proxy.Router
	Images     *image.Store
	Applier    *deploy.Applier
	Registry   *hypervisor.Registry
	Events     *events.Bus

	// ActivationTimeout bounds POST /v1/machines/{id}/activate.
	ActivationTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	if deps.ActivationTimeout <= 0 {
		deps.ActivationTimeout = defaultActivationTimeout
	}
	srv := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", headerImageName, headerImageTags},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/hypervisors", s.handleListHypervisors)
	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/events", s.handleStreamEvents)
	s.router.Post("/v1/apply", s.handleApply)

	s.router.Route("/v1/machines", func(r chi.Router) {
		r.Post("/", s.handleDeployMachine)
		r.Get("/", s.handleListMachines)
		r.Get("/{id}", s.handleGetMachine)
		r.Delete("/{id}", s.handleDeleteMachine)
		r.Post("/{id}/start", s.handleStartMachine)
		r.Post("/{id}/stop", s.handleStopMachine)
		r.Post("/{id}/snapshot", s.handleSnapshotMachine)
		r.Post("/{id}/activate", s.handleActivateMachine)
		r.Get("/{id}/logs", s.handleGetLogs)
		r.Get("/{id}/logs/stream", s.handleStreamLogs)
	})

	s.router.Route("/v1/services", func(r chi.Router) {
		r.Post("/", s.handleCreateService)
		r.Get("/", s.handleListServices)
		r.Get("/{id}", s.handleGetService)
		r.Delete("/{id}", s.handleDeleteService)
	})

	s.router.Route("/v1/images", func(r chi.Router) {
		r.Get("/", s.handleListImages)
		r.Post("/uploads", s.handleBeginUpload)
		r.Put("/uploads/{id}", s.handleUploadChunk)
		r.Post("/uploads/{id}/commit", s.handleCommitUpload)
		r.Delete("/uploads/{id}", s.handleAbortUpload)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
