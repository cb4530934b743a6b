package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	bolt "go.etcd.io/bbolt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	marketconfig "lendpool/config"
	nativecommon "lendpool/native/common"
	"lendpool/native/lending"
	"lendpool/observability"
	"lendpool/observability/logging"
	telemetry "lendpool/observability/otel"
	"lendpool/services/lending/engine"
	"lendpool/services/lending/indexer"
	"lendpool/services/lending/pricefeed"
	lendingserver "lendpool/services/lending/server"
	"lendpool/services/lendingd/config"
	"lendpool/storage"
)

func main() {
	os.Exit(lendingd())
}

func lendingd() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LENDPOOL_ENV"))
	logger, logCloser := logging.New("lendingd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryConfig(cfg, env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, env, logger); err != nil {
		logger.Error("lendingd exited", "error", err)
		return 1
	}
	return 0
}

func telemetryConfig(cfg config.Config, env string) telemetry.Config {
	out := telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		out.Endpoint = endpoint
		out.Traces = true
		out.Metrics = true
	}
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			out.Insecure = parsed
		}
	}
	return out
}

func run(ctx context.Context, cfg config.Config, env string, logger *slog.Logger) error {
	markets, err := marketconfig.Load(cfg.Markets)
	if err != nil {
		return err
	}
	engineCfg, err := markets.EngineConfig()
	if err != nil {
		return fmt.Errorf("markets: %w", err)
	}

	prices, err := pricefeed.Open(cfg.Prices.Path, cfg.Prices.MaxAge, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer prices.Close()

	db, err := storage.NewLevelDB(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	store := storage.NewLendingStore(db)
	state, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	core, err := lending.NewEngine(engineCfg, prices)
	if err != nil {
		return err
	}
	core.Restore(state)
	core.SetStore(store)
	core.SetPauses(nativecommon.NewPauses(markets.Paused...))

	// Genesis pools are installed before any emitter is attached so restarts
	// do not re-index them.
	if err := engine.Bootstrap(ctx, core, markets, logger); err != nil {
		return fmt.Errorf("bootstrap pools: %w", err)
	}

	hub := lendingserver.NewHub(cfg.Stream.Buffer)
	emitters := lending.MultiEmitter{
		lending.EmitterFunc(func(ev lending.Event) { observability.Events().RecordEvent(ev.EventType()) }),
		hub,
	}
	var events lendingserver.EventSource
	if cfg.Indexer.Driver != "" {
		ix, closeIndex, err := openIndexer(cfg.Indexer, logger)
		if err != nil {
			return err
		}
		defer closeIndex()
		emitters = append(emitters, ix)
		events = ix
	}
	core.SetEmitter(emitters)

	local, err := engine.NewLocal(core)
	if err != nil {
		return err
	}
	if err := local.RefreshPools(); err != nil {
		logger.Warn("initial pool gauges", "error", err)
	}

	if cfg.Auth.Disabled && !strings.EqualFold(env, "dev") {
		return errors.New("auth.disabled is restricted to the dev environment")
	}
	auth, err := lendingserver.NewAuthenticator(lendingserver.AuthConfig{
		Disabled:   cfg.Auth.Disabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ScopeClaim: cfg.Auth.ScopeClaim,
		ClockSkew:  cfg.Auth.ClockSkew,
	}, logger)
	if err != nil {
		return err
	}
	srv, err := lendingserver.New(lendingserver.Options{
		Engine:         local,
		Prices:         prices,
		Events:         events,
		Hub:            hub,
		Auth:           auth,
		RateLimiter:    lendingserver.NewRateLimiter(lendingserver.RateLimit{RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}),
		Logger:         logger,
		ServiceName:    "lendingd",
		Timeout:        cfg.RequestTimeout,
		OriginPatterns: cfg.Stream.OriginPatterns,
	})
	if err != nil {
		return err
	}

	tlsCfg, err := lendingserver.TLSConfig(lendingserver.TLSOptions{
		CertFile:         cfg.TLS.CertPath,
		KeyFile:          cfg.TLS.KeyPath,
		ClientCAFile:     cfg.TLS.ClientCAPath,
		AllowInsecure:    cfg.TLS.AllowInsecure,
		MTLSRequired:     cfg.TLS.MTLSEnabled(),
		AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
	})
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go refreshGauges(ctx, local, logger)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil)
		if tlsCfg != nil {
			serverErr <- httpServer.ServeTLS(listener, "", "")
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			return httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func openIndexer(cfg config.IndexerConfig, logger *slog.Logger) (*indexer.Indexer, func(), error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("indexer: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, nil, fmt.Errorf("open indexer: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("open indexer: %w", err)
	}
	ix, err := indexer.New(db, logger)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return ix, func() { _ = sqlDB.Close() }, nil
}

// refreshGauges republishes pool gauges so accrual shows up between
// operations.
func refreshGauges(ctx context.Context, local *engine.Local, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := local.RefreshPools(); err != nil {
				logger.Warn("refresh pool gauges", "error", err)
			}
		}
	}
}
