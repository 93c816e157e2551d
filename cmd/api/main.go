package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hosted-payment-bridge/config"
	httpHandler "hosted-payment-bridge/internal/adapter/http/handler"
	"hosted-payment-bridge/internal/adapter/platform"
	"hosted-payment-bridge/internal/adapter/storage/memory"
	pgStorage "hosted-payment-bridge/internal/adapter/storage/postgres"
	redisStorage "hosted-payment-bridge/internal/adapter/storage/redis"
	"hosted-payment-bridge/internal/core/ports"
	"hosted-payment-bridge/internal/service"
	"hosted-payment-bridge/pkg/logger"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// stores groups the persistence backends selected by configuration.
type stores struct {
	payments   ports.PaymentRepository
	shops      ports.ShopRepository
	settings   ports.SettingsRepository
	events     ports.WebhookEventRepository
	transactor ports.DBTransactor
	health     []ports.HealthChecker
	close      func()
}

func main() {
	// A missing .env is fine; real deployments use the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	cfg, err := config.Load(os.Getenv("HPB_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Str("gateway_env", cfg.Gateway.Env).
		Msg("Starting Hosted Payment Bridge")

	if cfg.App.ClientSecret == "" {
		log.Warn().Msg("app client secret is empty; platform signatures cannot verify")
	}
	if !cfg.Security.VerifyWebhooks {
		log.Warn().Msg("inbound signature verification is DISABLED")
	}

	ctx := context.Background()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer st.close()

	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		rdb, err = redisStorage.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("Redis connected")
	}

	// Short-lived state: Redis when available, process memory otherwise.
	var (
		states         ports.OAuthStateStore
		cache          ports.IdempotencyCache
		rateLimitStore *redisStorage.RateLimitStore
		healthCheckers = st.health
	)
	if rdb != nil {
		cache = redisStorage.NewIdempotencyCache(rdb)
		rateLimitStore = redisStorage.NewRateLimitStore(rdb)
		healthCheckers = append(healthCheckers, redisStorage.NewHealthCheck(rdb))
	} else {
		memCache := memory.NewIdempotencyCache(time.Minute)
		defer memCache.Close()
		cache = memCache
	}
	if rdb != nil && !strings.EqualFold(cfg.OAuth.StateStore, "memory") {
		states = redisStorage.NewOAuthStateStore(rdb)
	} else {
		memStates := memory.NewOAuthStateStore(time.Minute)
		defer memStates.Close()
		states = memStates
		log.Info().Msg("OAuth state kept in memory")
	}

	// Crypto
	master, err := service.NewAESEncryptionService(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize encryption service")
	}
	tokenEnc, err := master.Derive(service.KeyInfoShopToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to derive shop token key")
	}
	secretEnc, err := master.Derive(service.KeyInfoSettings)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to derive settings key")
	}
	sigSvc := service.NewHMACSignatureService()
	sessionSvc, err := service.NewHMACSessionService(cfg.Security.SessionSecret, cfg.Security.SessionTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session service")
	}
	tokenSvc := service.NewJWTTokenService(cfg.App.ClientSecret, cfg.App.ClientID)

	// Outbound platform API
	platformClient := platform.NewClient(platform.Config{
		ClientID:     cfg.App.ClientID,
		ClientSecret: cfg.App.ClientSecret,
		Scopes:       cfg.App.Scopes,
		APIVersion:   cfg.App.APIVersion,
		Timeout:      cfg.App.HTTPTimeout,
	}, log)

	// Business services
	gatewayURL := cfg.Gateway.GatewayBaseURL()
	hostedSvc := service.NewHostedPageService(service.HostedPageConfig{
		BaseURL:      gatewayURL,
		ExpectedHost: cfg.Gateway.ExpectedHost,
		StrictHost:   cfg.Gateway.StrictHost,
		Encoding:     ports.ParseEncoding(cfg.Gateway.HashEncoding, ports.EncodingBase64),
	}, log)
	ledgerSvc := service.NewLedgerService(st.payments, st.transactor, log)
	checkoutSvc := service.NewCheckoutService(ledgerSvc, st.settings, hostedSvc, secretEnc, cache, platformClient,
		service.CheckoutConfig{
			PublicURL:      cfg.Server.BaseURL,
			MerchantID:     cfg.Gateway.MerchantID,
			MerchantSecret: cfg.Gateway.MerchantSecret,
			TestMode:       !isProd(cfg.Gateway.Env),
		}, log)
	shopSvc := service.NewShopService(st.shops, st.settings, states, platformClient, sigSvc, sessionSvc,
		tokenEnc, secretEnc, service.ShopConfig{
			ClientSecret:  cfg.App.ClientSecret,
			PublicURL:     cfg.Server.BaseURL,
			StateTTL:      cfg.OAuth.StateTTL,
			WebhookTopics: cfg.App.WebhookTopics,
			VerifyQuery:   cfg.Security.VerifyWebhooks,
			QueryEncoding: ports.EncodingHex,
		}, log)
	auditSvc := service.NewAuditService(st.events, log)

	log.Info().Str("gateway_url", gatewayURL).Msg("Hosted page endpoint resolved")

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		Checkout:       checkoutSvc,
		Shops:          shopSvc,
		Sigs:           sigSvc,
		Sessions:       sessionSvc,
		Tokens:         tokenSvc,
		Audit:          auditSvc,
		RateLimitStore: rateLimitStore,
		HealthCheckers: healthCheckers,
		Security: httpHandler.SecurityConfig{
			VerifyWebhooks:   cfg.Security.VerifyWebhooks,
			AppSecret:        cfg.App.ClientSecret,
			WebhookEncoding:  ports.ParseEncoding(cfg.Security.WebhookEncoding, ports.EncodingBase64),
			WebhookTolerance: cfg.Security.WebhookTolerance,
			NotifySecret:     cfg.Gateway.NotifySecret,
			NotifyEncoding:   ports.ParseEncoding(cfg.Gateway.NotifyEncoding, ports.EncodingHex),
			ProxyEncoding:    ports.EncodingHex,
		},
		Logger: log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// openStores connects the configured ledger backend.
func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
		log.Warn().Msg("memory storage selected; the ledger is lost on restart")
		return &stores{
			payments:   memory.NewPaymentRepo(),
			shops:      memory.NewShopRepo(),
			settings:   memory.NewSettingsRepo(),
			events:     memory.NewWebhookEventRepo(),
			transactor: memory.NewTransactor(),
			close:      func() {},
		}, nil
	case "postgres", "":
		pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		log.Info().Msg("PostgreSQL connected")
		if cfg.Database.AutoMigrate {
			if err := pgStorage.Migrate(ctx, pool, log); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return &stores{
			payments:   pgStorage.NewPaymentRepo(pool),
			shops:      pgStorage.NewShopRepo(pool),
			settings:   pgStorage.NewSettingsRepo(pool),
			events:     pgStorage.NewWebhookEventRepo(pool),
			transactor: pgStorage.NewTransactor(pool),
			health:     []ports.HealthChecker{pgStorage.NewHealthCheck(pool)},
			close:      pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func isProd(env string) bool {
	return strings.EqualFold(env, "prod") || strings.EqualFold(env, "production")
}
