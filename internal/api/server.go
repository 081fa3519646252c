package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkrv/dispatchly/internal/campaign"
	"github.com/mkrv/dispatchly/internal/config"
	"github.com/mkrv/dispatchly/internal/consent"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/metrics"
	"github.com/mkrv/dispatchly/internal/queue"
	"github.com/mkrv/dispatchly/internal/store"
)

// Deps are the collaborators the HTTP layer exposes.
type Deps struct {
	Campaigns  *campaign.Service
	Links      *links.Engine
	Consent    *consent.Gate
	Broker     *queue.Adapter
	Contacts   *store.ContactRepository
	CampaignDB *store.CampaignRepository
	Recipients *store.RecipientRepository
	Messages   *store.MessageRepository
	Credits    *store.CreditRepository
	Metrics    *metrics.Metrics
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.ServerConfig
	metricsCfg *config.MetricsConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.ServerConfig, metricsCfg *config.MetricsConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		deps:       deps,
		config:     cfg,
		metricsCfg: metricsCfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.HTTPMiddleware)
	}

	// Health check
	s.router.Get("/health", s.handleHealth)

	if s.metricsCfg != nil && s.metricsCfg.Enabled && s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, s.metricsCfg.Path, s.deps.Metrics.Handler())
	}

	// Recipient-facing routes, no auth: these land in inboxes
	s.router.Get("/l/{token}", s.handleClick)
	s.router.Route("/u/{token}", func(r chi.Router) {
		r.Get("/", s.handleUnsubscribePage)
		r.Post("/unsubscribe", s.handleUnsubscribe)
		r.Post("/resubscribe", s.handleResubscribe)
	})

	// API v1 routes
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/contacts", s.handleCreateContact)
		r.Get("/contacts/{id}", s.handleGetContact)

		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/recipients", s.handleAddRecipients)
		r.Post("/campaigns/{id}/send", s.handleSendCampaign)
		r.Post("/campaigns/{id}/schedule", s.handleScheduleCampaign)
		r.Post("/campaigns/{id}/cancel", s.handleCancelCampaign)
		r.Get("/campaigns/{id}/links", s.handleCampaignLinks)

		r.Get("/queue/stats", s.handleQueueStats)

		r.Post("/credits", s.handleAddCredits)
		r.Get("/credits/{owner_id}", s.handleGetCredits)

		r.Post("/sessions/{id}/events", s.handleSessionEvent)
		r.Post("/webhooks/delivery", s.handleDeliveryWebhook)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
