package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/znz-systems/mailslot/internal/anomaly"
	"github.com/znz-systems/mailslot/internal/billing"
	"github.com/znz-systems/mailslot/internal/blob"
	"github.com/znz-systems/mailslot/internal/config"
	"github.com/znz-systems/mailslot/internal/health"
	"github.com/znz-systems/mailslot/internal/ingest"
	"github.com/znz-systems/mailslot/internal/metrics"
	"github.com/znz-systems/mailslot/internal/outbox"
	"github.com/znz-systems/mailslot/internal/ratelimit"
	"github.com/znz-systems/mailslot/internal/smtpingress"
	"github.com/znz-systems/mailslot/internal/web"
	"github.com/znz-systems/mailslot/internal/web/handlers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the ingest API, outbox worker and anomaly monitor",
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(c.Context, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStores(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.close() }()

	blobs, err := blob.NewFromConfig(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	if cfg.InternalAPIKey == "" {
		logger.Error("INTERNAL_API_KEY is not set, every ingest request will be refused")
	}

	m := metrics.New()
	service := ingest.NewService(ingest.Deps{
		Deliveries: st.deliveries,
		Accounts:   st.accounts,
		Tx:         st.tx,
		Blobs:      blobs,
		Plans:      billing.NewPlans(cfg.PlanFreeHardCap, cfg.PlanProHardCap),
	}, ingest.Options{
		Logger:               logger.Named("ingest"),
		Metrics:              m,
		PrivateSenderDomains: cfg.PrivateSenderDomains,
		OutboxMaxAttempts:    cfg.OutboxMaxAttempts,
	})

	detector := anomaly.NewDetector(st.deliveries, anomaly.DefaultThresholds())
	monitor := anomaly.NewMonitor(detector, cfg.AnomalyCheckInterval, logger.Named("anomaly"), m)

	var notifier outbox.Notifier = outbox.NewLogNotifier(logger.Named("outbox"))
	if cfg.NotifyWebhookURL != "" {
		notifier = outbox.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, 0)
	}
	worker := outbox.NewWorker(st.outbox, notifier, logger.Named("outbox"), m, outbox.WorkerOptions{
		PollInterval: cfg.OutboxPollInterval,
		ClaimLease:   cfg.OutboxClaimLease,
	})

	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	checker := health.New(m.Registry())
	checker.AddReadiness("database", st.ping)

	router := web.NewRouter(web.RouterDeps{
		IngestHandler:     handlers.NewIngestHandler(service, cfg.MaxBodyBytes, logger.Named("http")),
		DeliveriesHandler: handlers.NewDeliveriesHandler(st.deliveries, detector, logger.Named("http")),
		Health:            checker,
		Metrics:           m,
		Limiter:           limiter,
		InternalAPIKey:    cfg.InternalAPIKey,
		OperatorAPIKey:    cfg.OperatorAPIKey,
		Logger:            logger.Named("http"),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("mailslot starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})

	if cfg.InboundSMTPAddr != "" {
		smtpSrv := smtpingress.NewServer(service, ingest.NewRecipientResolver(st.accounts), smtpingress.Options{
			Addr:            cfg.InboundSMTPAddr,
			Domain:          cfg.InboundSMTPDomain,
			MaxMessageBytes: cfg.MaxBodyBytes,
			Logger:          logger.Named("smtp"),
		})
		g.Go(func() error {
			if err := smtpSrv.ListenAndServe(); err != nil {
				return fmt.Errorf("smtp server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return smtpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
