package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/reelshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/config"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/events"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/favorites"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/logging"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/reelshelf/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reelshelf-api",
		Short: "Reelshelf movie favorites service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional .env file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Storage backend (sqlite, postgres, badger, redis)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN (overrides env)")
	cmd.PersistentFlags().String("badger-path", defaults.GetString("badger.path"), "Badger data directory")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address")
	cmd.PersistentFlags().Float64("writes-per-second", defaults.GetFloat64("ratelimit.writes_per_second"), "Sustained writes per second per owner")
	cmd.PersistentFlags().Int("write-burst", defaults.GetInt("ratelimit.burst"), "Write burst per owner")
	cmd.PersistentFlags().String("amqp-url", "", "AMQP broker URL for change events (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "badger.path", "badger-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "ratelimit.writes_per_second", "writes-per-second")
	bindFlag(cmd, "ratelimit.burst", "write-burst")
	bindFlag(cmd, "events.amqp_url", "amqp-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			logger.Warn("storage close failed", zap.Error(closeErr))
		}
	}()

	dispatcher := events.NewDispatcher()
	publishers := events.Fanout{dispatcher}
	if appConfig.EventsAMQPURL != "" {
		amqpPublisher, err := events.DialAMQP(events.AMQPConfig{
			URL:      appConfig.EventsAMQPURL,
			Exchange: appConfig.EventsExchange,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer amqpPublisher.Close() //nolint:errcheck
		publishers = append(publishers, amqpPublisher)
	}

	favoritesService, err := favorites.NewService(favorites.ServiceConfig{
		Store:     store,
		Publisher: publishers,
		Logger:    logger,
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	writeLimiter := ratelimit.New(appConfig.WritesPerSecond, appConfig.WriteBurst)
	defer writeLimiter.Stop()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		FavoritesService: favoritesService,
		ClaimsReader:     auth.NewClaimsReader(),
		Dispatcher:       dispatcher,
		WriteLimiter:     writeLimiter,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("storage_backend", appConfig.StorageBackend))
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
