package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/railgate/railgate/internal/apiclient"
	"github.com/railgate/railgate/internal/gateway"
	"github.com/railgate/railgate/internal/sessionkit"
	"github.com/railgate/railgate/internal/sessionkitpg"
	"github.com/railgate/railgate/pkg/routeguard"
	webassets "github.com/railgate/railgate/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "railgate",
		Short:   "Edge gateway for the train-ticket booking web app: session lifecycle, resilient API client, and route guarding",
		PreRunE: prepareGatewayConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("backend_url", "", "Base URL of the booking REST backend")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("cookie_name", "token", "Session cookie name read by the route guard")
	rootCmd.Flags().Duration("cookie_ttl", 7*24*time.Hour, "Session cookie max-age")
	rootCmd.Flags().Duration("session_ttl", 2*time.Hour, "Assumed token lifetime when the backend omits an expiry")
	rootCmd.Flags().Duration("refresh_window", 10*time.Minute, "How close to expiry a proactive refresh runs")
	rootCmd.Flags().Duration("refresh_interval", time.Minute, "Background refresh check period")
	rootCmd.Flags().Duration("request_timeout", 15*time.Second, "Per-request timeout against the backend")
	rootCmd.Flags().String("session_db_url", "", "Durable session tier URL (sqlite://, postgres://, or pgx://; leave empty for in-memory)")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("backend_url", rootCmd.Flags().Lookup("backend_url"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("cookie_name", rootCmd.Flags().Lookup("cookie_name"))
	_ = viper.BindPFlag("cookie_ttl", rootCmd.Flags().Lookup("cookie_ttl"))
	_ = viper.BindPFlag("session_ttl", rootCmd.Flags().Lookup("session_ttl"))
	_ = viper.BindPFlag("refresh_window", rootCmd.Flags().Lookup("refresh_window"))
	_ = viper.BindPFlag("refresh_interval", rootCmd.Flags().Lookup("refresh_interval"))
	_ = viper.BindPFlag("request_timeout", rootCmd.Flags().Lookup("request_timeout"))
	_ = viper.BindPFlag("session_db_url", rootCmd.Flags().Lookup("session_db_url"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))

	viper.SetEnvPrefix("RAILGATE")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingBackendURL     = "config.missing_backend_url"
	configCodeInvalidBackendURL     = "config.invalid_backend_url"
	configCodeInvalidSessionTTL     = "config.invalid_session_ttl"
	configCodeInvalidRefreshWindow  = "config.invalid_refresh_window"
	configCodeWindowExceedsLifetime = "config.refresh_window_exceeds_session_ttl"
	configCodeUninitializedConf     = "config.uninitialized_gateway_config"
	configCodeSessionTierInit       = "config.session_tier_init"
)

type contextKey string

const gatewayConfigContextKey contextKey = "gatewayConfig"

func prepareGatewayConfig(command *cobra.Command, arguments []string) error {
	gatewayConfig, loadErr := LoadGatewayConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, gatewayConfigContextKey, gatewayConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadGatewayConfig assembles and validates the gateway configuration from viper.
func LoadGatewayConfig() (gateway.Config, error) {
	backendURL := viper.GetString("backend_url")
	if backendURL == "" {
		return gateway.Config{}, configError(configCodeMissingBackendURL, "backend_url must be provided")
	}
	parsed, parseErr := url.Parse(backendURL)
	if parseErr != nil || parsed.Scheme == "" || parsed.Host == "" {
		return gateway.Config{}, configError(configCodeInvalidBackendURL, "backend_url must be an absolute URL")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return gateway.Config{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshWindow := viper.GetDuration("refresh_window")
	if refreshWindow <= 0 {
		return gateway.Config{}, configError(configCodeInvalidRefreshWindow, "refresh_window must be greater than zero")
	}
	if refreshWindow >= sessionTTL {
		return gateway.Config{}, configError(configCodeWindowExceedsLifetime, "refresh_window must be shorter than session_ttl")
	}

	refreshInterval := viper.GetDuration("refresh_interval")
	if refreshInterval <= 0 {
		refreshInterval = time.Minute
	}
	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	cookieTTL := viper.GetDuration("cookie_ttl")
	if cookieTTL <= 0 {
		cookieTTL = 7 * 24 * time.Hour
	}

	return gateway.Config{
		BackendURL:      strings.TrimRight(backendURL, "/"),
		CookieName:      viper.GetString("cookie_name"),
		CookieDomain:    viper.GetString("cookie_domain"),
		CookieTTL:       cookieTTL,
		SessionTTL:      sessionTTL,
		RefreshWindow:   refreshWindow,
		RefreshInterval: refreshInterval,
		RequestTimeout:  requestTimeout,
		SameSiteMode:    http.SameSiteStrictMode,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(gatewayConfigContextKey)
	}
	gatewayConfig, ok := contextValue.(gateway.Config)
	if !ok {
		return configError(configCodeUninitializedConf, "gateway configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	sessionDBURL := viper.GetString("session_db_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	gatewayConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")

	durableTier, tierErr := buildDurableTier(context.Background(), sessionDBURL, logger)
	if tierErr != nil {
		return fmt.Errorf("%s: %w", configCodeSessionTierInit, tierErr)
	}

	clock := sessionkit.NewSystemClock()
	notifier := sessionkit.NewChangeNotifier()
	metrics := sessionkit.NewCounterMetrics()

	store := sessionkit.NewStore(durableTier, sessionkit.NewMemoryTier(), sessionkit.StoreConfig{
		CookieName:          gatewayConfig.CookieName,
		CookieDomain:        gatewayConfig.CookieDomain,
		CookieTTL:           gatewayConfig.CookieTTL,
		SameSiteMode:        gatewayConfig.SameSiteMode,
		DefaultSessionTTL:   gatewayConfig.SessionTTL,
		AllowInsecureCookie: gatewayConfig.AllowInsecureHTTP,
	}, clock, logger, notifier)

	authBackend := apiclient.NewAuthBackend(apiclient.AuthBackendConfig{
		BaseURL:           gatewayConfig.BackendURL,
		Timeout:           gatewayConfig.RequestTimeout,
		DefaultSessionTTL: gatewayConfig.SessionTTL,
	}, clock, logger)

	controller := sessionkit.NewController(store, authBackend, sessionkit.ControllerConfig{
		RefreshWindow: gatewayConfig.RefreshWindow,
		CheckInterval: gatewayConfig.RefreshInterval,
	}, clock, logger, metrics)
	controller.Start(context.Background(), notifier)
	defer controller.Close()

	client := apiclient.NewClient(apiclient.ClientConfig{
		BaseURL: gatewayConfig.BackendURL,
		Timeout: gatewayConfig.RequestTimeout,
	}, store, controller, logger, metrics)
	bookings := apiclient.NewBookingService(client)

	guardConfig := routeguard.DefaultConfig()
	guardConfig.CookieName = store.CookieName()
	guard, guardErr := routeguard.New(guardConfig)
	if guardErr != nil {
		return guardErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := gateway.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	handlers := gateway.NewHandlers(store, controller, bookings, clock, logger)
	handlers.Mount(router)
	gateway.MountPages(router, guard, webassets.FS)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("backend", gatewayConfig.BackendURL),
		zap.String("durable_tier", durableTier.Name()))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// buildDurableTier picks the durable storage tier from the URL scheme: GORM
// for sqlite and postgres, pgx for deployments standardizing on pgxpool, and
// a process-local tier when no URL is configured.
func buildDurableTier(ctx context.Context, sessionDBURL string, logger *zap.Logger) (sessionkit.StorageTier, error) {
	if sessionDBURL == "" {
		logger.Info("using in-memory durable session tier")
		return sessionkit.NewMemoryTier(), nil
	}
	if strings.HasPrefix(sessionDBURL, "pgx://") {
		pool, poolErr := sessionkitpg.BuildPool(ctx, "postgres://"+strings.TrimPrefix(sessionDBURL, "pgx://"))
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := sessionkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using pgx durable session tier")
		return sessionkitpg.NewPostgresSessionTier(pool), nil
	}
	tier, tierErr := sessionkit.NewDatabaseTier(ctx, sessionDBURL)
	if tierErr != nil {
		return nil, tierErr
	}
	logger.Info("using persistent durable session tier", zap.String("driver", tier.Driver()))
	return tier, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
