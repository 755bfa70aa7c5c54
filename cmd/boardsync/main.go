package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/collab"
	"github.com/MarcoPoloResearchLab/boardsync/internal/config"
	"github.com/MarcoPoloResearchLab/boardsync/internal/database"
	"github.com/MarcoPoloResearchLab/boardsync/internal/entities"
	"github.com/MarcoPoloResearchLab/boardsync/internal/journal"
	"github.com/MarcoPoloResearchLab/boardsync/internal/logging"
	"github.com/MarcoPoloResearchLab/boardsync/internal/presencecache"
	"github.com/MarcoPoloResearchLab/boardsync/internal/server"
	"github.com/MarcoPoloResearchLab/boardsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	pollTokenIssuer   = "boardsync"
	pollTokenAudience = "boardsync-poll"
	pollTokenTTL      = 30 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "boardsync",
		Short: "Real-time collaboration synchronizer for mission boards",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Duration("away-after", defaults.GetDuration("realtime.away_after"), "Idle time before a user shows as away (0 disables)")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the presence mirror (empty disables)")
	cmd.PersistentFlags().String("nats-url", "", "NATS URL for the edit journal (empty disables)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "realtime.away_after", "away-after")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "nats.url", "nats-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	pollTokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        pollTokenIssuer,
		Audience:      pollTokenAudience,
		TokenTTL:      pollTokenTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	idProvider := collab.NewUUIDProvider()
	entityService, err := entities.NewService(entities.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	hubConfig := collab.HubConfig{
		Backend:         entityService,
		Clock:           time.Now,
		IDProvider:      idProvider,
		Logger:          logger,
		SendBuffer:      appConfig.SendBuffer,
		AwayAfter:       appConfig.AwayAfter,
		CheckpointQueue: appConfig.CheckpointQueue,
	}

	if appConfig.RedisEnabled() {
		redisClient, err := presencecache.NewRedisClient(ctx, appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		mirror, err := presencecache.NewMirror(presencecache.Config{
			Client: redisClient,
			TTL:    appConfig.RedisPresenceTTL,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		hubConfig.PresenceSink = mirror
		logger.Info("presence mirror enabled", zap.String("redis_address", appConfig.RedisAddress))
	}

	if appConfig.NATSEnabled() {
		natsConn, err := journal.Connect(appConfig.NATSURL, "boardsync")
		if err != nil {
			return err
		}
		defer natsConn.Drain() //nolint:errcheck
		publisher, err := journal.NewPublisher(journal.Config{
			Conn:          natsConn,
			SubjectPrefix: appConfig.NATSSubjectPrefix,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		hubConfig.Journal = publisher
		logger.Info("edit journal enabled", zap.String("subject_prefix", appConfig.NATSSubjectPrefix))
	}

	hub := collab.NewHub(hubConfig)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:            hub,
		Sessions:       sessionValidator,
		Profiles:       userService,
		PollTokens:     pollTokens,
		History:        entityService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Realtime: server.RealtimeConfig{
			PingInterval:    appConfig.PingInterval,
			PongWait:        appConfig.PongWait,
			PollWait:        appConfig.PollWait,
			PollIdleTimeout: appConfig.PollIdleTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The hub outlives the transports so their unregister cascades are
	// checkpointed before the worker flushes.
	hubCtx, stopHub := context.WithCancel(context.Background())
	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		hub.Run(hubCtx)
	}()
	transportCtx, stopTransports := context.WithCancel(context.Background())
	transportsDone := make(chan struct{})
	go func() {
		defer close(transportsDone)
		handler.Run(transportCtx)
	}()
	defer func() {
		stopTransports()
		<-transportsDone
		stopHub()
		background.Wait()
		logger.Info("synchronizer stopped", zap.Int("open_connections", hub.ConnectionCount()))
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
