package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"

	"github.com/farmlokal/catalog-api/internal/catalog"
	"github.com/farmlokal/catalog-api/internal/config"
	"github.com/farmlokal/catalog-api/internal/external"
	"github.com/farmlokal/catalog-api/internal/keyval"
	"github.com/farmlokal/catalog-api/internal/observe"
	"github.com/farmlokal/catalog-api/internal/postgres"
	"github.com/farmlokal/catalog-api/internal/server"
	"github.com/farmlokal/catalog-api/internal/token"
	"github.com/farmlokal/catalog-api/internal/webhook"
)

func configureServerRoutes(
	products productReader,
	events webhookProcessor,
	limiter *keyval.RateLimiter,
	readiness map[string]pinger,
) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// Webhook payloads dominate request sizes; anything larger than this is
	// accidental or deliberate abuse.
	requestLimitBytes := int64(10 << 20) // 10 MB
	requestLimiter := maxRequestSize(requestLimitBytes)

	standardRouteMiddleware := alice.New(requestLimiter, requestID, requestLogger)
	limitedRouteMiddleware := standardRouteMiddleware.Append(rateLimit(limiter))

	mux.Handle("GET /api/v1/products", limitedRouteMiddleware.Then(handleListProducts(products)))
	mux.Handle("GET /api/v1/products/{id}", limitedRouteMiddleware.Then(handleGetProduct(products)))
	mux.Handle("POST /api/v1/webhooks/events", standardRouteMiddleware.Then(handleWebhookEvent(events)))

	// healthchecks are not included in telemetry
	muxWithoutTelemetry.Handle("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))
	muxWithoutTelemetry.Handle("GET /healthcheck/ready", alice.New(requestLimiter).Then(handleReadiness(readiness)))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping the default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	var shutdownHooks server.ShutdownHooks

	pool, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("database configuration failed: %w", err)
	}
	shutdownHooks.AddClose("database pool", pool)

	store, err := keyval.NewStoreFromConfig(cfg.Cache)
	if err != nil {
		return fmt.Errorf("key-value store configuration failed: %w", err)
	}
	shutdownHooks.AddClose("key-value store", store)

	// outbound dependency stack: brokered tokens, protected client
	broker := token.NewBroker(cfg.OAuth, store, http.DefaultTransport)
	downstream := external.New(cfg.External, broker, http.DefaultTransport)

	catalogService := catalog.NewService(catalog.NewRepository(pool), store, cfg.Cache)

	webhookRepo := webhook.NewRepository(pool)
	ledger := webhook.NewLedger(webhookRepo, store,
		time.Duration(cfg.Cache.IdempotencyTTLSeconds)*time.Second)
	webhookService := webhook.NewService(ledger, cfg.Webhook)

	// drain recorded events in the background for the life of the server
	processorCtx, stopProcessor := context.WithCancel(ctx)
	processor := webhook.NewProcessor(webhookRepo, downstream, catalogService)
	go processor.Run(processorCtx)
	shutdownHooks.Add("webhook processor", func() error {
		stopProcessor()
		return nil
	})

	limiter := keyval.NewRateLimiter(store, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window())

	readiness := map[string]pinger{
		"database": pool,
		"cache":    store,
	}

	handler := configureServerRoutes(catalogService, webhookService, limiter, readiness)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	serveErr := server.Serve(cfg.Server, srv)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout())
	defer cancel()
	shutdownHooks.Execute(shutdownCtx)

	log.Info().Msg("telemetry: shutting down")
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry: shutdown failed")
	} else {
		log.Info().Msg("telemetry: shutdown complete")
	}

	if serveErr != nil {
		return fmt.Errorf("server failed: %w", serveErr)
	}

	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
