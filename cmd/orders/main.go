package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/lumamart/orders/internal/handlers"
	"github.com/lumamart/orders/internal/idgen"
	"github.com/lumamart/orders/internal/payments"
	"github.com/lumamart/orders/internal/platform/auth"
	"github.com/lumamart/orders/internal/platform/config"
	pfirestore "github.com/lumamart/orders/internal/platform/firestore"
	"github.com/lumamart/orders/internal/platform/idempotency"
	"github.com/lumamart/orders/internal/platform/jobs"
	"github.com/lumamart/orders/internal/platform/observability"
	"github.com/lumamart/orders/internal/platform/secrets"
	"github.com/lumamart/orders/internal/repositories"
	firestoreRepo "github.com/lumamart/orders/internal/repositories/firestore"
	"github.com/lumamart/orders/internal/services"
)

const (
	entitlementGrantsTopic  = "entitlement-grants"
	fulfillmentSignalsTopic = "fulfillment-requests"
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

	logger := baseLogger.Named("orders")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := newPubSubClient(ctx, cfg.PubSub)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	sideEffectTopic := pubsubClient.Topic(cfg.PubSub.SideEffectTopic)
	entitlementsTopic := pubsubClient.Topic(entitlementGrantsTopic)
	fulfillmentTopic := pubsubClient.Topic(fulfillmentSignalsTopic)
	defer func() {
		sideEffectTopic.Stop()
		entitlementsTopic.Stop()
		fulfillmentTopic.Stop()
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	auditRepo, err := firestoreRepo.NewReconcileAuditRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise reconcile audit repository", zap.Error(err))
	}
	goodsRepo, err := firestoreRepo.NewGoodsRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise goods repository", zap.Error(err))
	}
	walletRepo, err := firestoreRepo.NewWalletRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise wallet repository", zap.Error(err))
	}

	sideEffectQueue, err := jobs.NewPubSubSideEffectPublisher(sideEffectTopic)
	if err != nil {
		logger.Fatal("failed to initialise side-effect publisher", zap.Error(err))
	}
	grantPublisher, err := jobs.NewPubSubGrantPublisher(entitlementsTopic, fulfillmentTopic)
	if err != nil {
		logger.Fatal("failed to initialise grant publisher", zap.Error(err))
	}

	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		logger.Fatal("stripe api key is required for cash settlement")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: zapEventLogger(logger.Named("stripe")),
		Clock:  time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise stripe payment provider", zap.Error(err))
	}
	paymentManager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}
	settlement, err := payments.NewSettlement(payments.SettlementConfig{
		Manager:    paymentManager,
		SuccessURL: strings.TrimSpace(envValues["ORDERS_CHECKOUT_SUCCESS_URL"]),
		CancelURL:  strings.TrimSpace(envValues["ORDERS_CHECKOUT_CANCEL_URL"]),
	})
	if err != nil {
		logger.Fatal("failed to initialise settlement adapter", zap.Error(err))
	}

	numberGenerator, err := idgen.New(cfg.IDGen.Partition)
	if err != nil {
		logger.Fatal("failed to initialise order number generator", zap.Error(err))
	}

	reconciler, err := services.NewReconcilerService(services.ReconcilerDeps{
		Orders:      orderRepo,
		Audits:      auditRepo,
		Catalog:     goodsRepo,
		Wallet:      walletRepo,
		Entitlement: grantPublisher,
		Fulfillment: grantPublisher,
		Settlement:  settlement,
		Queue:       sideEffectQueue,
		Clock:       time.Now,
		Logger:      zapEventLogger(logger.Named("reconcile")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciler service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:     orderRepo,
		Numbers:    numberGenerator,
		Catalog:    goodsRepo,
		Wallet:     walletRepo,
		Settlement: settlement,
		Reconciler: reconciler,
		Clock:      time.Now,
		Logger:     zapEventLogger(logger.Named("order")),
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	sweeper, err := services.NewSweeperService(services.SweeperDeps{
		Orders:              orderRepo,
		Lifecycle:           orderService,
		Interval:            cfg.Sweeper.Interval,
		UnpaidTimeout:       cfg.Sweeper.UnpaidTimeout,
		ShippedAutoComplete: cfg.Sweeper.ShippedAutoComplete,
		BatchSize:           cfg.Sweeper.BatchSize,
		Clock:               time.Now,
		Logger:              zapEventLogger(logger.Named("sweeper")),
	})
	if err != nil {
		logger.Fatal("failed to initialise sweeper service", zap.Error(err))
	}

	systemService, err := newSystemService(firestoreClient, fetcher, auditRepo, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			cleanupLogger := logger.Named("idempotency")
			for {
				select {
				case <-cleanupTicker.C:
					runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-cleanupCtx.Done():
					return
				}
			}
		}()
	}

	sweeperCtx, sweeperCancel := context.WithCancel(context.Background())
	var sweeperWG sync.WaitGroup
	sweeperWG.Add(1)
	go func() {
		defer sweeperWG.Done()
		sweeper.Run(sweeperCtx)
	}()

	hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg)
	requireUser := auth.RequireUser(cfg.Security.UserHeader)

	orderHandlers := handlers.NewOrderHandlers(orderService)
	adminHandlers := handlers.NewAdminOrderHandlers(orderService, systemService, sweeper)
	webhookHandlers := handlers.NewWebhookHandlers(reconciler)
	internalHandlers := handlers.NewInternalEventHandlers(reconciler)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Firestore.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(requireUser),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithAdminMiddlewares(requireUser),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	// Signature verification runs before the idempotency store is consulted.
	if hmacMiddleware != nil {
		opts = append(opts,
			handlers.WithWebhookMiddlewares(hmacMiddleware),
			handlers.WithInternalMiddlewares(hmacMiddleware),
		)
	}
	opts = append(opts, handlers.WithWebhookMiddlewares(idempotencyMiddleware))

	router := handlers.NewRouter(opts...)
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
		serverLogger.Info("lumamart orders api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweeperCancel()
	sweeperWG.Wait()

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
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

func newPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*pubsub.Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("pubsub: project id is required")
	}
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return pubsub.NewClient(ctx, projectID, opts...)
}

func newSystemService(client *firestore.Client, fetcher *secrets.Fetcher, audits repositories.ReconcileAuditRepository, build services.BuildInfo) (services.SystemService, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Audits:           audits,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secretsByName := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretsByName[strings.ToLower(key)] = value
	}
	if cfg.PSP.StripeWebhookSecret != "" {
		if _, ok := secretsByName["default"]; !ok {
			secretsByName["default"] = cfg.PSP.StripeWebhookSecret
		}
	}
	if len(secretsByName) == 0 {
		return nil
	}

	provider := staticSecretProvider{secrets: secretsByName}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	verifier := auth.NewCallbackVerifier(provider, nonces,
		auth.WithCallbackLogger(adapter),
		auth.WithSignatureHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	return verifier.RequireSignature(callbackSecretResolver(secretsByName))
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

// callbackSecretResolver picks the signing secret for a webhook or internal
// callback from its path: /webhooks/payments/{provider} tries
// payments/{provider}, then {provider}, then default.
func callbackSecretResolver(secretsByName map[string]string) func(*http.Request) (string, bool) {
	return func(r *http.Request) (string, bool) {
		path := r.URL.Path
		for _, group := range []string{"/webhooks/", "/internal/"} {
			if idx := strings.Index(path, group); idx >= 0 {
				path = path[idx+len(group):]
				break
			}
		}
		path = strings.Trim(path, "/")
		if path == "" {
			if secret, ok := secretsByName["default"]; ok && secret != "" {
				return "default", true
			}
			return "", false
		}

		segments := strings.Split(path, "/")
		candidates := make([]string, 0, 3)
		if len(segments) >= 2 {
			candidates = append(candidates, strings.ToLower(strings.Join(segments[:2], "/")))
		}
		candidates = append(candidates, strings.ToLower(segments[0]), "default")

		for _, candidate := range candidates {
			if secret, ok := secretsByName[candidate]; ok && secret != "" {
				return candidate, true
			}
		}
		return "", false
	}
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("ORDERS_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("ORDERS_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("ORDERS_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("ORDERS_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := secretProjectMapFromEnv(env); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("ORDERS_SECRET_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}

	hmacRaw := ""
	if env != nil {
		hmacRaw = strings.TrimSpace(env["ORDERS_SECURITY_HMAC_SECRETS"])
	}
	for _, key := range parseHMACSecretKeys(hmacRaw) {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["ORDERS_SECRET_PROJECT_IDS"]
	}
	projects := make(map[string]string)
	for key, value := range parseKeyValueList(raw) {
		projects[strings.ToLower(key)] = value
	}
	return projects
}

func parseHMACSecretKeys(raw string) []string {
	values := parseKeyValueList(raw)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, strings.ToLower(key))
	}
	sort.Strings(keys)
	return keys
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
