package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mkrv/dispatchly/internal/api"
	"github.com/mkrv/dispatchly/internal/campaign"
	"github.com/mkrv/dispatchly/internal/config"
	"github.com/mkrv/dispatchly/internal/consent"
	"github.com/mkrv/dispatchly/internal/dispatch"
	"github.com/mkrv/dispatchly/internal/events"
	"github.com/mkrv/dispatchly/internal/links"
	"github.com/mkrv/dispatchly/internal/metrics"
	"github.com/mkrv/dispatchly/internal/models"
	"github.com/mkrv/dispatchly/internal/queue"
	"github.com/mkrv/dispatchly/internal/sender"
	"github.com/mkrv/dispatchly/internal/store"
)

// App is the main application
type App struct {
	config     *config.Config
	logger     *slog.Logger
	db         *store.DB
	storage    *queue.BoltStorage
	broker     *queue.Adapter
	runner     *queue.Runner
	publisher  *events.Publisher
	linkEngine *links.Engine
	apiServer  *api.Server
	metrics    *metrics.Metrics
	collector  *metrics.Collector

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	contacts := store.NewContactRepository(db.DB)
	campaigns := store.NewCampaignRepository(db.DB)
	recipients := store.NewRecipientRepository(db.DB)
	messages := store.NewMessageRepository(db.DB)
	linkRepo := store.NewLinkRepository(db.DB)
	consentRepo := store.NewConsentRepository(db.DB)
	credits := store.NewCreditRepository(db.DB)

	m := metrics.New()

	publisher := events.NewPublisher(cfg.Tracking.EventBuffer, logger)
	publisher.OnDrop(func() { m.EventsDroppedTotal.Inc() })
	publisher.Subscribe(events.NewLogConsumer(logger))

	linkEngine := links.NewEngine(linkRepo, publisher, links.Config{
		BaseURL:       cfg.Tracking.BaseURL,
		LinkExpiry:    cfg.Tracking.LinkExpiry,
		SessionWindow: cfg.Tracking.SessionWindow,
	}, logger)

	gate := consent.NewGate(contacts, consentRepo, linkEngine, consent.Config{
		BaseURL:                        cfg.Tracking.BaseURL,
		UnsubscribeLinkExpiry:          cfg.Tracking.UnsubscribeLinkExpiry,
		ResubscribeRequiresActiveToken: cfg.Consent.ResubscribeRequiresActiveToken,
	}, logger)

	senders := buildSenders(cfg, logger)

	dispatcher := dispatch.New(recipients, messages, credits, gate, linkEngine, senders, dispatch.Config{
		Email:       dispatch.BatchConfig{Size: cfg.Channels.Email.BatchSize, Delay: cfg.Channels.Email.BatchDelay},
		SMS:         dispatch.BatchConfig{Size: cfg.Channels.SMS.BatchSize, Delay: cfg.Channels.SMS.BatchDelay},
		EmailFrom:   cfg.Channels.Email.From,
		SMSSenderID: cfg.Channels.SMS.SenderID,
	}, logger)
	dispatcher.SetRecorder(m)

	broker := queue.NewAdapter(storage, queue.AdapterConfig{MaxAttempts: cfg.Queue.MaxAttempts}, logger)

	service := campaign.NewService(campaigns, recipients, broker, dispatcher, logger)

	runner := queue.NewRunner(storage, service, queue.RunnerConfig{
		Workers:      cfg.Queue.Workers,
		PollInterval: cfg.Queue.PollInterval,
		RetryBase:    cfg.Queue.RetryBase,
	}, campaign.IsTemporary, logger)

	collector := metrics.NewCollector(m, broker, 10*time.Second)

	apiServer := api.NewServer(api.Deps{
		Campaigns:  service,
		Links:      linkEngine,
		Consent:    gate,
		Broker:     broker,
		Contacts:   contacts,
		CampaignDB: campaigns,
		Recipients: recipients,
		Messages:   messages,
		Credits:    credits,
		Metrics:    m,
	}, &cfg.Server, &cfg.Metrics, logger.With("component", "api"))

	return &App{
		config:     cfg,
		logger:     logger,
		db:         db,
		storage:    storage,
		broker:     broker,
		runner:     runner,
		publisher:  publisher,
		linkEngine: linkEngine,
		apiServer:  apiServer,
		metrics:    m,
		collector:  collector,
		sweepStop:  make(chan struct{}),
	}, nil
}

// buildSenders maps each channel to its provider adapter. With mock
// senders enabled every channel shares one in-memory mock. There is no
// real push provider; push always uses the mock.
func buildSenders(cfg *config.Config, logger *slog.Logger) map[models.Channel]sender.Sender {
	senders := make(map[models.Channel]sender.Sender)

	mock := sender.NewMock()
	senders[models.ChannelPush] = mock

	if cfg.Senders.Mock {
		senders[models.ChannelEmail] = mock
		senders[models.ChannelSMS] = mock
		return senders
	}

	if cfg.Senders.SMTP.Addr != "" {
		senders[models.ChannelEmail] = sender.NewSMTPSender(sender.SMTPConfig{
			Addr:     cfg.Senders.SMTP.Addr,
			Username: cfg.Senders.SMTP.Username,
			Password: cfg.Senders.SMTP.Password,
			Timeout:  cfg.Senders.SMTP.Timeout,
		}, logger)
	}
	if cfg.Senders.SMS.URL != "" {
		senders[models.ChannelSMS] = sender.NewSMSSender(sender.SMSConfig{
			URL:      cfg.Senders.SMS.URL,
			APIKey:   cfg.Senders.SMS.APIKey,
			SenderID: cfg.Channels.SMS.SenderID,
			Timeout:  cfg.Senders.SMS.Timeout,
		}, logger)
	}
	return senders
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dispatchly",
		"api_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Path,
		"queue", a.config.Queue.Path,
		"workers", a.config.Queue.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.publisher.Start(ctx)
	a.runner.Start(ctx)
	a.collector.Start(ctx)
	a.startSweeper()

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// startSweeper runs the periodic cleanup of terminal jobs and expired
// short links.
func (a *App) startSweeper() {
	a.sweepWG.Add(1)
	go func() {
		defer a.sweepWG.Done()

		ticker := time.NewTicker(a.config.Queue.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-a.sweepStop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if _, err := a.broker.Sweep(ctx, a.config.Queue.CompletedMaxAge, a.config.Queue.FailedMaxAge); err != nil {
					a.logger.Error("queue sweep failed", "error", err)
				}
				if _, err := a.linkEngine.SweepExpired(ctx); err != nil {
					a.logger.Error("link sweep failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	// Stop the runner before the publisher: in-flight dispatches still
	// publish events.
	a.runner.Stop()
	close(a.sweepStop)
	a.sweepWG.Wait()
	a.collector.Stop()
	a.publisher.Stop()

	if err := a.storage.Close(); err != nil {
		a.logger.Error("queue storage close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
