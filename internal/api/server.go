package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/ringwatch/internal/domain"
	"github.com/opensource-finance/ringwatch/internal/metrics"
)

// Server owns the router, the websocket hub and the listening http.Server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	hub     *EventHub
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer wires the routes. m may be nil, in which case /metrics is not
// served and nothing is recorded.
func NewServer(cfg domain.ServerConfig, deps Deps, m *metrics.Metrics) *Server {
	if deps.MaxUploadBytes == 0 {
		deps.MaxUploadBytes = cfg.MaxUploadBytes
	}
	if deps.Hub == nil {
		deps.Hub = NewEventHub(nil)
	}

	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(deps),
		hub:     deps.Hub,
		config:  cfg,
	}
	s.routes(m)
	return s
}

func (s *Server) routes(m *metrics.Metrics) {
	r, h := s.router, s.handler

	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		MetricsMiddleware(m),
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	// operational, no tenant
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Get("/workers", h.Workers)
	r.Get("/ws", s.hub.ServeHTTP)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/detect", h.Detect)
		r.Get("/stats", h.Stats)

		r.Route("/results", func(r chi.Router) {
			r.Get("/", h.ListResults)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetResult)
				r.Get("/download", h.DownloadResult)
				r.Get("/graph", h.GetGraph)
				r.Get("/analysis", h.GetAnalysis)
				r.Get("/rings", h.GetExportedRings)
				r.Post("/rerun", h.Rerun)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/reload", h.ReloadRules)
			r.Get("/{id}", h.GetRule)
			r.Delete("/{id}", h.DeleteRule)
		})
	})
}

// Start blocks serving HTTP until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s.server.ListenAndServe()
}

// Shutdown disconnects websocket clients first, then drains HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Hub returns the websocket event hub.
func (s *Server) Hub() *EventHub {
	return s.hub
}
