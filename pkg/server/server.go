// Package server exposes the HTTP API: uploading audio for separation,
// polling task status, downloading stems and waveform data, and a
// websocket feed of live task updates.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/audioghost-ai/audioghost/pkg/auth"
	"github.com/audioghost-ai/audioghost/pkg/task"
)

// TaskStore is the slice of the task store the API needs.
type TaskStore interface {
	Enqueue(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
	Subscribe(ctx context.Context, id string) (<-chan *task.Task, error)
}

// Authenticator handles the Hugging Face login flow.
type Authenticator interface {
	Status(ctx context.Context) auth.Status
	Login(ctx context.Context, token string) (auth.Status, error)
}

var (
	_ TaskStore     = (*task.Store)(nil)
	_ Authenticator = (*auth.Manager)(nil)
)

type Config struct {
	Port           int
	UploadDir      string
	MaxUploadBytes int64
}

type Server struct {
	cfg      Config
	router   *chi.Mux
	tasks    TaskStore
	auth     Authenticator
	upgrader websocket.Upgrader

	// baseCtx carries the process logger into request contexts; set by
	// Serve before the listener starts.
	baseCtx context.Context
}

func New(cfg Config, tasks TaskStore, authenticator Authenticator) (*Server, error) {
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("unable to create the upload directory: %w", err)
	}
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		tasks:  tasks,
		auth:   authenticator,
		upgrader: websocket.Upgrader{
			// the UI is served from a separate dev server
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withProcessLogger)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(allowCORS)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/separate", s.handleSeparate)
		r.Post("/separate/batch", s.handleSeparateBatch)
		r.Get("/tasks/{taskID}", s.handleTaskStatus)
		r.Get("/tasks/{taskID}/download/{trackID}", s.handleDownload)
		r.Get("/tasks/{taskID}/waveform/{trackID}", s.handleWaveform)
		r.Get("/tasks/{taskID}/events", s.handleEvents)
		r.Delete("/tasks/{taskID}", s.handleCancel)
		r.Get("/auth/status", s.handleAuthStatus)
		r.Post("/auth/login", s.handleAuthLogin)
	})
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: 5 * time.Minute,
		IdleTimeout: time.Minute,
	}

	s.baseCtx = ctx

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Infof(ctx, "listening on :%d", s.cfg.Port)
	select {
	case err := <-errCh:
		return fmt.Errorf("unable to serve: %w", err)
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		return fmt.Errorf("unable to shut down cleanly: %w", err)
	}
	return nil
}

func (s *Server) withProcessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.baseCtx != nil {
			ctx := logger.CtxWithLogger(r.Context(), logger.FromCtx(s.baseCtx))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugf(r.Context(), "%s %s -> %d (%d bytes, %s)",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}

func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
