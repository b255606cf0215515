package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/auth"
	"github.com/StefanGrimminck/Spoor/internal/config"
	"github.com/StefanGrimminck/Spoor/internal/enrich"
	"github.com/StefanGrimminck/Spoor/internal/geo"
	"github.com/StefanGrimminck/Spoor/internal/ingest"
	"github.com/StefanGrimminck/Spoor/internal/keylock"
	"github.com/StefanGrimminck/Spoor/internal/ratelimit"
	"github.com/StefanGrimminck/Spoor/internal/report"
	"github.com/StefanGrimminck/Spoor/internal/server"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	configPath := flag.String("config", "spoor.toml", "Path to config file (TOML)")
	envPath := flag.String("env", ".env", "Optional dotenv file with POSTGRES_* and SPOOR_NODE_* variables")
	flag.Parse()

	// Missing .env is fine; real environment wins over the file
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Don't log token or config content
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Msg("storage")
	}
	defer st.Close()

	var (
		metricsHandler http.Handler
		ingestMetrics  *ingest.Metrics
		enrichMetrics  *enrich.Metrics
		promReg        *prometheus.Registry
	)
	if cfg.Observability.MetricsEnabled {
		promReg = prometheus.NewRegistry()
		metricsHandler = promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})
		ingestMetrics = ingest.NewMetrics(promReg)
		enrichMetrics = enrich.NewMetrics(promReg)
	}

	provider, closeProvider, err := newProvider(cfg, log, enrichMetrics)
	if err != nil {
		log.Fatal().Err(err).Msg("geo provider")
	}
	defer closeProvider()

	// One window per process: the provider's quota is per client IP
	limiter := ratelimit.NewWindow(cfg.Enrichment.LookupsPerMinute, time.Minute, nil)
	locks := keylock.New()
	if promReg != nil {
		promReg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "spoor_enrich_lookup_window_size", Help: "Lookups recorded in the current rate window"},
				func() float64 { return float64(limiter.Len()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "spoor_enrich_locked_keys", Help: "Addresses with a workflow holding or waiting on their lock"},
				func() float64 { return float64(locks.Len()) }),
		)
	}

	scheduler, err := enrich.New(enrich.Config{
		Store:           st,
		Provider:        provider,
		Limiter:         limiter,
		Locks:           locks,
		Workers:         cfg.Enrichment.Workers,
		WorkflowTimeout: cfg.Enrichment.WorkflowTimeout(),
		Log:             log.With().Str("component", "enrich").Logger(),
		Metrics:         enrichMetrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}

	webhook := &ingest.Handler{
		Validator:    auth.NewValidator(cfg.Auth.Tokens),
		Events:       st,
		Scheduler:    scheduler,
		MaxBodyBytes: cfg.Limits.MaxBodySizeBytes,
		Log:          log.With().Str("component", "ingest").Logger(),
		Metrics:      ingestMetrics,
	}
	if len(cfg.Auth.Tokens) == 0 {
		log.Warn().Msg("no node tokens configured, webhook accepts unauthenticated events")
	}
	reports := &report.Handler{Store: st, Log: log}

	var tlsConfig *tls.Config
	if cfg.Server.TLS && (cfg.Server.CertFile != "" && cfg.Server.KeyFile != "") {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	certFile, keyFile := "", ""
	if cfg.Server.TLS {
		certFile, keyFile = cfg.Server.CertFile, cfg.Server.KeyFile
	}

	srv := &server.Server{
		WebhookHandler:           webhook,
		ReportRoutes:             func(r chi.Router) { reports.Routes(r) },
		WebhookRequestsPerMinute: cfg.Limits.WebhookRequestsPerMinute,
		StoreReady:               st.Ping,
		MetricsHandler:           metricsHandler,
		Logger:                   log,
		TLSConfig:                tlsConfig,
		CertFile:                 certFile,
		KeyFile:                  keyFile,
		ListenAddr:               cfg.Server.ListenAddress,
		ManagementAddr:           cfg.Server.ManagementListenAddress,
	}

	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server")
		stop()
	}

	log.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Close(drainCtx); err != nil {
		log.Warn().Err(err).Msg("enrichment drain incomplete")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Structured logging; do not log full request bodies or tokens
	logLevel := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	var out io.Writer = os.Stderr
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func openStore(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (store.Store, error) {
	if cfg.Driver == config.DriverMemory {
		log.Warn().Msg("using in-memory storage, data is lost on exit")
		return store.NewMemory(), nil
	}
	pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Database:       cfg.Database,
		Username:       cfg.User,
		Password:       cfg.Password,
		SSLMode:        cfg.SSLMode,
		MaxConns:       cfg.MaxConns,
		ConnectTimeout: cfg.ConnectTimeout(),
	}, log)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// newProvider returns nil when lookups are disabled; sightings are still counted.
func newProvider(cfg *config.Config, log zerolog.Logger, m *enrich.Metrics) (geo.Provider, func(), error) {
	noop := func() {}
	if !cfg.LookupEnabled() {
		log.Info().Msg("geo lookups disabled")
		return nil, noop, nil
	}
	e := cfg.Enrichment
	plog := log.With().Str("component", "geo").Logger()
	switch e.Provider {
	case config.ProviderMaxMind:
		var dns *geo.DNSResolver
		if e.DNS.Enabled {
			dns = geo.NewDNSResolver(time.Duration(e.DNS.CacheTTL)*time.Second, e.DNS.MaxQPS, e.DNS.ResolverAddr)
			go dns.Start()
		}
		mm, err := geo.NewMaxMind(e.GeoIPDBPath, e.ASNDBPath, dns, plog)
		if err != nil {
			if dns != nil {
				dns.Stop()
			}
			return nil, noop, err
		}
		return mm, func() {
			if dns != nil {
				dns.Stop()
			}
			if err := mm.Close(); err != nil {
				log.Warn().Err(err).Msg("maxmind close")
			}
		}, nil
	default:
		return geo.NewIPAPI(geo.IPAPIConfig{
			Endpoint:         e.Endpoint,
			Timeout:          e.Timeout(),
			BreakerFailures:  e.BreakerFailures,
			BreakerOpenFor:   e.BreakerOpenFor(),
			Log:              plog,
			OnBreakerChanged: m.BreakerChanged,
		}), noop, nil
	}
}
