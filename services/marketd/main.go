package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"nftmarket/observability"
	"nftmarket/observability/logging"
	telemetry "nftmarket/observability/otel"
	"nftmarket/services/marketd/config"
	"nftmarket/services/marketd/market"
	mw "nftmarket/services/marketd/middleware"
	"nftmarket/services/marketd/recon"
	"nftmarket/services/marketd/registry"
	"nftmarket/services/marketd/server"
	"nftmarket/services/marketd/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to marketd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}
	env := strings.TrimSpace(cfg.Environment)
	logger := logging.Setup(cfg.Observability.ServiceName, env, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := store.Open(store.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		Debug:        cfg.Database.Debug,
	})
	if err != nil {
		log.Fatalf("marketd: open store: %v", err)
	}
	defer st.Close()

	commission, err := cfg.Market.Commission()
	if err != nil {
		log.Fatalf("marketd: %v", err)
	}
	maxPrice, err := cfg.Market.PriceCeiling()
	if err != nil {
		log.Fatalf("marketd: %v", err)
	}
	reg := registry.New(st.DB())
	svc, err := market.New(market.Config{
		CommissionRate:  decimal.NewNullDecimal(commission),
		MaxPrice:        maxPrice,
		DefaultCurrency: cfg.Market.DefaultCurrency,
		Escrow:          cfg.Market.Settlement.Escrow,
		TransferTimeout: cfg.Market.Settlement.TransferTimeout.Duration,
	}, st, reg, reg, reg,
		market.WithLogger(logger.With("component", "market")),
		market.WithMetrics(observability.Marketplace()),
	)
	if err != nil {
		log.Fatalf("marketd: market service: %v", err)
	}

	auth, err := mw.NewAuthenticator(mw.AuthConfig{
		HMACSecret:    cfg.Auth.HMACSecret,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		ClockSkew:     cfg.Auth.ClockSkew.Duration,
		AdminSubjects: cfg.Auth.AdminSubjects,
	}, reg, logger.With("component", "auth"))
	if err != nil {
		log.Fatalf("marketd: authenticator: %v", err)
	}

	srv, err := server.New(server.Config{
		Market:    svc,
		DB:        st.DB(),
		Auth:      auth,
		RateLimit: mw.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		CORS:      mw.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Observability: mw.ObservabilityConfig{
			ServiceName: cfg.Observability.ServiceName,
			LogRequests: cfg.Observability.LogRequests,
		},
		Logger: logger.With("component", "http"),
	})
	if err != nil {
		log.Fatalf("marketd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.RunSweeper(rootCtx, cfg.Market.SweepInterval.Duration)

	if cfg.Recon.Enabled {
		reconciler, err := recon.NewReconciler(recon.Config{
			Ledger:    st,
			OutputDir: cfg.Recon.OutputDir,
			Logger:    logger.With("component", "recon"),
			Alert: func(ctx context.Context, anomaly recon.Anomaly) error {
				logger.WarnContext(ctx, "recon anomaly",
					"reason", anomaly.Type,
					"order_id", anomaly.OrderID,
					"details", anomaly.Details,
				)
				return nil
			},
		})
		if err != nil {
			log.Fatalf("marketd: reconciler: %v", err)
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: reconciler,
			Window:     cfg.Recon.Window.Duration,
			RunHour:    cfg.Recon.RunHour,
			RunMinute:  cfg.Recon.RunMinute,
			Logger:     logger.With("component", "recon"),
		})
		go scheduler.Start(rootCtx)
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rootCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("marketd listening", "addr", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}
