package main

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	"github.com/tyemirov/chandlo/internal/authapi"
	"github.com/tyemirov/chandlo/internal/session"
	"github.com/tyemirov/chandlo/internal/tokenstore"
	"github.com/tyemirov/chandlo/internal/web"
	webassets "github.com/tyemirov/chandlo/web"
	"go.uber.org/zap"
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
		Use:     "chandlo",
		Short:   "Session agent for the Chandlo guest tracker: token lifecycle, route guards, and authenticated API forwarding",
		PreRunE: prepareAgentConfig,
		RunE:    runServer,
	}

	defaults := authapi.DefaultEndpoints()
	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("api_host", "", "Base URL of the Chandlo REST backend")
	rootCmd.Flags().String("token_path", defaults.Token, "Backend path that exchanges credentials for a token pair")
	rootCmd.Flags().String("refresh_token_path", defaults.RefreshToken, "Backend path that renews a token pair")
	rootCmd.Flags().String("create_user_path", defaults.CreateUser, "Backend path that registers an account")
	rootCmd.Flags().String("user_profile_path", defaults.UserProfile, "Backend path used to verify the account behind a stored token")
	rootCmd.Flags().String("storage_url", "", "Token storage (memory://, sqlite://, postgres://, redis://); leave empty for in-memory")
	rootCmd.Flags().Duration("refresh_interval", session.DefaultRefreshInterval, "How often the background loop checks the access token")
	rootCmd.Flags().Duration("refresh_threshold", session.DefaultRefreshThreshold, "Remaining lifetime below which the access token is renewed")
	rootCmd.Flags().Duration("request_timeout", defaultRequestTimeout, "Timeout for backend requests")
	rootCmd.Flags().Bool("verify_account", true, "Verify a stored session against the profile endpoint on startup")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for a browser client served from another origin")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr",
		"api_host",
		"token_path",
		"refresh_token_path",
		"create_user_path",
		"user_profile_path",
		"storage_url",
		"refresh_interval",
		"refresh_threshold",
		"request_timeout",
		"verify_account",
		"enable_cors",
		"cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("CHANDLO")
	viper.AutomaticEnv()

	return rootCmd
}

const defaultRequestTimeout = 15 * time.Second

const (
	configCodeMissingAPIHost          = "config.missing_api_host"
	configCodeInvalidAPIHost          = "config.invalid_api_host"
	configCodeInvalidRefreshInterval  = "config.invalid_refresh_interval"
	configCodeInvalidRefreshThreshold = "config.invalid_refresh_threshold"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedAgentConf  = "config.uninitialized_agent_config"
	configCodeStorageOpen             = "config.storage_open"
)

// AgentConfig is the validated runtime configuration.
type AgentConfig struct {
	ListenAddr         string
	APIHost            string
	Endpoints          authapi.Endpoints
	StorageURL         string
	RefreshInterval    time.Duration
	RefreshThreshold   time.Duration
	RequestTimeout     time.Duration
	VerifyAccount      bool
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const agentConfigContextKey contextKey = "agentConfig"

func prepareAgentConfig(command *cobra.Command, arguments []string) error {
	agentConfig, loadErr := LoadAgentConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, agentConfigContextKey, agentConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadAgentConfig reads and validates configuration from viper.
func LoadAgentConfig() (AgentConfig, error) {
	apiHost := strings.TrimSpace(viper.GetString("api_host"))
	if apiHost == "" {
		return AgentConfig{}, configError(configCodeMissingAPIHost, "api_host must be provided")
	}
	parsedHost, parseErr := url.Parse(apiHost)
	if parseErr != nil || (parsedHost.Scheme != "http" && parsedHost.Scheme != "https") || parsedHost.Host == "" {
		return AgentConfig{}, configError(configCodeInvalidAPIHost, "api_host must be an absolute http(s) URL")
	}

	refreshInterval := durationSetting("refresh_interval", session.DefaultRefreshInterval)
	if refreshInterval <= 0 {
		return AgentConfig{}, configError(configCodeInvalidRefreshInterval, "refresh_interval must be greater than zero")
	}
	refreshThreshold := durationSetting("refresh_threshold", session.DefaultRefreshThreshold)
	if refreshThreshold <= 0 {
		return AgentConfig{}, configError(configCodeInvalidRefreshThreshold, "refresh_threshold must be greater than zero")
	}
	requestTimeout := durationSetting("request_timeout", defaultRequestTimeout)
	if requestTimeout <= 0 {
		return AgentConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return AgentConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	endpoints := authapi.DefaultEndpoints()
	endpoints.Token = pathOrDefault(viper.GetString("token_path"), endpoints.Token)
	endpoints.RefreshToken = pathOrDefault(viper.GetString("refresh_token_path"), endpoints.RefreshToken)
	endpoints.CreateUser = pathOrDefault(viper.GetString("create_user_path"), endpoints.CreateUser)
	endpoints.UserProfile = pathOrDefault(viper.GetString("user_profile_path"), endpoints.UserProfile)

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	verifyAccount := true
	if viper.IsSet("verify_account") {
		verifyAccount = viper.GetBool("verify_account")
	}

	return AgentConfig{
		ListenAddr:         listenAddr,
		APIHost:            apiHost,
		Endpoints:          endpoints,
		StorageURL:         strings.TrimSpace(viper.GetString("storage_url")),
		RefreshInterval:    refreshInterval,
		RefreshThreshold:   refreshThreshold,
		RequestTimeout:     requestTimeout,
		VerifyAccount:      verifyAccount,
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
	}, nil
}

func durationSetting(key string, fallback time.Duration) time.Duration {
	if !viper.IsSet(key) {
		return fallback
	}
	return viper.GetDuration(key)
}

func pathOrDefault(configured string, fallback string) string {
	if trimmed := strings.TrimSpace(configured); trimmed != "" {
		return trimmed
	}
	return fallback
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
		contextValue = commandContext.Value(agentConfigContextKey)
	}
	agentConfig, ok := contextValue.(AgentConfig)
	if !ok {
		return configError(configCodeUninitializedAgentConf, "agent configuration not prepared; PreRunE must execute before RunE")
	}

	lifetimeCtx, cancelLifetime := context.WithCancel(commandContext)
	defer cancelLifetime()

	medium, mediumLabel, mediumErr := tokenstore.OpenMedium(lifetimeCtx, agentConfig.StorageURL)
	if mediumErr != nil {
		return fmt.Errorf("%s: %w", configCodeStorageOpen, mediumErr)
	}
	if closer, closable := medium.(io.Closer); closable {
		defer func() { _ = closer.Close() }()
	}
	logger.Info("token storage ready", zap.String("medium", mediumLabel))

	client, clientErr := authapi.New(authapi.Config{
		Host:      agentConfig.APIHost,
		Endpoints: agentConfig.Endpoints,
		Timeout:   agentConfig.RequestTimeout,
	}, logger)
	if clientErr != nil {
		return clientErr
	}

	clock := session.NewSystemClock()
	history := session.NewHistory(session.DefaultHomeRoute)
	notices := session.NewNoticeCenter(clock)
	metricsRecorder := session.NewCounterMetrics()
	manager, managerErr := session.NewManager(session.Config{
		Store:         tokenstore.New(medium),
		API:           client,
		Navigator:     history,
		Notifier:      notices,
		Clock:         clock,
		Metrics:       metricsRecorder,
		Logger:        logger,
		VerifyAccount: agentConfig.VerifyAccount,
		Observer: func(snapshot session.Snapshot) {
			logger.Debug("session state changed",
				zap.String("code", "session.state"),
				zap.String("state", snapshot.State.String()),
				zap.Uint64("generation", snapshot.Generation))
		},
	})
	if managerErr != nil {
		return managerErr
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if agentConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, agentConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	if mountErr := web.MountRoutes(router, web.Dependencies{
		Sessions:  manager,
		Resources: client,
		Locations: history,
		Notices:   notices,
		Metrics:   metricsRecorder,
		Assets:    webassets.FS,
		Logger:    logger,
	}); mountErr != nil {
		return mountErr
	}

	go manager.Initialize(lifetimeCtx)

	refresher := session.NewRefresher(manager, session.RefresherConfig{
		Interval:  agentConfig.RefreshInterval,
		Threshold: agentConfig.RefreshThreshold,
	})
	refresher.Start(lifetimeCtx)
	defer refresher.Stop()

	server := &http.Server{
		Addr:              agentConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-lifetimeCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", agentConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
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
