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

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/handlers"
	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/auth"
	"github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/jobs"
	"github.com/storefront/api/internal/platform/mail"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/platform/secrets"
	platformstorage "github.com/storefront/api/internal/platform/storage"
	"github.com/storefront/api/internal/repositories"
	firestoreRepo "github.com/storefront/api/internal/repositories/firestore"
	redisRepo "github.com/storefront/api/internal/repositories/redis"
	"github.com/storefront/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	cfg, closeSecrets := loadConfig(ctx, logger)
	defer closeSecrets()

	buildInfo := buildInfoFromEnv(startedAt)
	meter := otel.GetMeterProvider().Meter("github.com/storefront/api")

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	cartRepo, err := firestoreRepo.NewCartRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise cart repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	settingsRepo, err := firestoreRepo.NewWholesaleSettingsRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise wholesale settings repository", zap.Error(err))
	}
	tokenRepo, err := firestoreRepo.NewRefreshTokenRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise refresh token repository", zap.Error(err))
	}
	firestoreProducts, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}

	healthChecks := []repositories.DependencyCheck{{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check:   firestoreProvider.Ping,
	}}

	var (
		productRepo      repositories.ProductRepository = firestoreProducts
		productCache     *redisRepo.ProductCache
		idempotencyStore idempotency.Store = idempotency.NewMemoryStore(cfg.Server.ReplayWindow)
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		productCache, err = redisRepo.NewProductCache(redisClient, firestoreProducts, redisRepo.ProductCacheOptions{
			TTL:    cfg.Redis.ProductCacheTTL,
			Logger: observability.EventLogger(logger, "product_cache"),
		})
		if err != nil {
			logger.Fatal("failed to initialise product cache", zap.Error(err))
		}
		productRepo = productCache
		redisIdempotency, err := idempotency.NewRedisStore(redisClient, cfg.Server.ReplayWindow)
		if err != nil {
			logger.Fatal("failed to initialise idempotency store", zap.Error(err))
		}
		idempotencyStore = redisIdempotency
		healthChecks = append(healthChecks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: 500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}

	settingsService, err := services.NewWholesaleSettingsService(services.WholesaleSettingsServiceDeps{
		Settings: settingsRepo,
		Logger:   observability.EventLogger(logger, "settings"),
	})
	if err != nil {
		logger.Fatal("failed to initialise wholesale settings service", zap.Error(err))
	}

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		RetailShipping:   cfg.Pricing.RetailShipping,
		RetailTaxPercent: cfg.Pricing.RetailTaxPercent,
		Settings:         settingsService,
	})
	if err != nil {
		logger.Fatal("failed to initialise pricing engine", zap.Error(err))
	}

	cartService, err := services.NewCartService(services.CartServiceDeps{
		Carts:    cartRepo,
		Products: productRepo,
		Logger:   observability.EventLogger(logger, "cart"),
	})
	if err != nil {
		logger.Fatal("failed to initialise cart service", zap.Error(err))
	}

	guestService, err := services.NewGuestSessionService(services.GuestSessionServiceDeps{
		Carts:    cartRepo,
		Products: productRepo,
		Meter:    meter,
		Logger:   observability.EventLogger(logger, "guest_session"),
	})
	if err != nil {
		logger.Fatal("failed to initialise guest session service", zap.Error(err))
	}

	var screenshots services.ScreenshotStore
	if bucket := strings.TrimSpace(cfg.Storage.ScreenshotBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		store, err := platformstorage.NewScreenshotStore(storageClient, bucket, cfg.Storage.ScreenshotMaxBytes)
		if err != nil {
			logger.Fatal("failed to initialise screenshot store", zap.Error(err))
		}
		screenshots = store
	} else {
		logger.Warn("storage: screenshot bucket not configured; payment screenshots are rejected")
	}

	notifier, closeNotifier := newOrderNotifier(ctx, logger, cfg)
	defer closeNotifier()

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        orderRepo,
		Carts:         cartRepo,
		Products:      productRepo,
		Pricing:       pricing,
		Screenshots:   screenshots,
		Notifier:      notifier,
		NotifyTimeout: cfg.Notifications.Timeout,
		Logger:        observability.EventLogger(logger, "orders"),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	signatureVerifier, err := payments.NewSignatureVerifier(cfg.Payments.GatewaySecret)
	if err != nil {
		logger.Fatal("failed to initialise payment signature verifier", zap.Error(err))
	}
	var paymentService services.PaymentService
	var paymentOpts []handlers.PaymentOption
	if strings.TrimSpace(cfg.Payments.StripeAPIKey) != "" {
		gateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:   cfg.Payments.StripeAPIKey,
			Currency: cfg.Payments.Currency,
			Logger:   payments.StripeLogger(observability.EventLogger(logger, "stripe")),
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe gateway", zap.Error(err))
		}
		paymentService, err = services.NewPaymentService(services.PaymentServiceDeps{
			Orders:   orderRepo,
			Gateway:  gateway,
			Verifier: signatureVerifier,
			Currency: cfg.Payments.Currency,
			Meter:    meter,
			Logger:   observability.EventLogger(logger, "payments"),
		})
		if err != nil {
			logger.Fatal("failed to initialise payment service", zap.Error(err))
		}
		if strings.TrimSpace(cfg.Payments.StripeWebhookSecret) != "" {
			stripeWebhook, err := payments.NewStripeWebhook(cfg.Payments.StripeWebhookSecret)
			if err != nil {
				logger.Fatal("failed to initialise stripe webhook", zap.Error(err))
			}
			paymentOpts = append(paymentOpts, handlers.WithPaymentWebhook(stripeWebhook))
		} else {
			logger.Warn("payments: stripe webhook secret not configured; webhook endpoint answers 503")
		}
	} else {
		logger.Warn("payments: stripe api key not configured; payment endpoints answer 503")
	}

	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, cfg.Auth.AccessTokenTTL, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise jwt manager", zap.Error(err))
	}
	tokenService, err := services.NewTokenService(services.TokenServiceDeps{
		Tokens: tokenRepo,
		Access: services.AccessTokenIssuerFunc(func(subject services.TokenSubject) (string, time.Time, error) {
			return jwtManager.Issue(auth.Identity{UID: subject.UserID, Email: subject.Email, Roles: []string{subject.Role}})
		}),
		RefreshTTL: cfg.Auth.RefreshTokenTTL,
		Logger:     observability.EventLogger(logger, "tokens"),
	})
	if err != nil {
		logger.Fatal("failed to initialise token service", zap.Error(err))
	}

	var verifier auth.TokenVerifier = jwtManager
	if cfg.Auth.Provider == config.AuthProviderFirebase {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Auth.FirebaseProjectID, cfg.Auth.FirebaseCredentialsFile)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		verifier = firebaseVerifier
	}
	authenticator := auth.NewAuthenticator(verifier)

	healthRepo, err := repositories.NewDependencyHealthRepository(healthChecks, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Build:            buildInfo,
	})
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	replay := idempotency.NewReplayer(idempotencyStore,
		idempotency.WithLogger(observability.EventLogger(logger, "idempotency")),
	).Middleware
	cartHandlers := handlers.NewCartHandlers(authenticator, cartService, guestService)
	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, handlers.WithOrderIdempotency(replay))
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, paymentService, append(paymentOpts, handlers.WithPaymentIdempotency(replay))...)
	tokenHandlers := handlers.NewTokenHandlers(tokenService)
	var invalidator handlers.ProductCacheInvalidator
	if productCache != nil {
		invalidator = productCache
	}
	adminHandlers := handlers.NewAdminHandlers(authenticator, settingsService, invalidator)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	projectID := cfg.Firestore.ProjectID
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithGuestCartRoutes(cartHandlers.GuestRoutes),
		handlers.WithCartRoutes(cartHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithPaymentRoutes(paymentHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAuthRoutes(tokenHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// loadConfig builds a Secret Manager resolver only when some value references a secret.
func loadConfig(ctx context.Context, logger *zap.Logger) (config.Config, func()) {
	closeFn := func() {}
	var opts []config.Option

	needsSecrets, err := config.HasSecretReferences()
	if err != nil {
		logger.Fatal("failed to inspect configuration", zap.Error(err))
	}
	if needsSecrets {
		project := strings.TrimSpace(os.Getenv("API_SECRET_DEFAULT_PROJECT_ID"))
		if project == "" {
			project = strings.TrimSpace(os.Getenv("API_FIRESTORE_PROJECT_ID"))
		}
		resolverOpts := []secrets.Option{secrets.WithLogger(logger.Named("secrets"))}
		if path := strings.TrimSpace(os.Getenv("API_SECRET_FALLBACK_FILE")); path != "" {
			resolverOpts = append(resolverOpts, secrets.WithFallbackFile(path))
		}
		resolver, err := secrets.NewResolver(ctx, project, resolverOpts...)
		if err != nil {
			logger.Fatal("failed to initialise secret resolver", zap.Error(err))
		}
		closeFn = func() {
			if err := resolver.Close(); err != nil {
				logger.Warn("secret resolver close error", zap.Error(err))
			}
		}
		opts = append(opts, config.WithSecretResolver(resolver))
	}

	cfg, err := config.Load(ctx, opts...)
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	return cfg, closeFn
}

func newOrderNotifier(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.OrderNotifier, func()) {
	switch cfg.Notifications.Driver {
	case config.NotifyDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		topic := client.Topic(cfg.Notifications.PubSubTopic)
		notifier, err := jobs.NewPubSubOrderNotifier(topic)
		if err != nil {
			logger.Fatal("failed to initialise pubsub notifier", zap.Error(err))
		}
		return notifier, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}
	case config.NotifyDriverSMTP:
		notifier, err := mail.NewSMTPNotifier(mail.SMTPConfig{
			Host:     cfg.Notifications.SMTPHost,
			Port:     cfg.Notifications.SMTPPort,
			Username: cfg.Notifications.SMTPUsername,
			Password: cfg.Notifications.SMTPPassword,
			From:     cfg.Notifications.From,
			Locale:   cfg.Notifications.Locale,
			Currency: cfg.Payments.Currency,
		}, logger.Named("mail"))
		if err != nil {
			logger.Fatal("failed to initialise smtp notifier", zap.Error(err))
		}
		return notifier, func() {}
	default:
		return nil, func() {}
	}
}

func buildInfoFromEnv(started time.Time) services.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(os.Getenv("API_ENVIRONMENT"))
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}
