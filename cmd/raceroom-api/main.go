package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/actors"
	"github.com/MarcoPoloResearchLab/raceroom/internal/auth"
	"github.com/MarcoPoloResearchLab/raceroom/internal/broadcast"
	"github.com/MarcoPoloResearchLab/raceroom/internal/categories"
	"github.com/MarcoPoloResearchLab/raceroom/internal/config"
	"github.com/MarcoPoloResearchLab/raceroom/internal/database"
	"github.com/MarcoPoloResearchLab/raceroom/internal/jobs"
	"github.com/MarcoPoloResearchLab/raceroom/internal/logging"
	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/MarcoPoloResearchLab/raceroom/internal/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "raceroom-api",
		Short: "Race room lifecycle service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newWorkerCommand(), newTokenCommand(), newCategoryCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before configuration, ignored when missing")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Int("countdown-seconds", defaults.GetInt("race.countdown_seconds"), "Countdown length before a race starts")
	flags.String("ratings-webhook-url", "", "Rating service webhook URL")
	flags.String("ratings-redis-address", "", "Redis address for the rating queue")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "race.countdown_seconds", "countdown-seconds")
	bindFlag(cmd, "ratings.webhook_url", "ratings-webhook-url")
	bindFlag(cmd, "ratings.redis_address", "ratings-redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
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

// loadRuntime reads configuration and builds the logger and database shared by
// every subcommand. The returned cleanup flushes the logger and closes the pool.
func loadRuntime() (config.AppConfig, *zap.Logger, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	cleanup := func() {
		_ = logger.Sync()
	}
	return appConfig, logger, cleanup, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, cleanup, err := loadRuntime()
	if err != nil {
		return err
	}
	defer cleanup()

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	directory, err := categories.NewDirectory(categories.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	actorService, err := actors.NewService(actors.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	trigger, err := newRatingTrigger(appConfig, logger)
	if err != nil {
		return err
	}
	defer trigger.Close()

	bus := broadcast.NewBus(broadcast.Config{
		BufferSize:    appConfig.BroadcastBufferSize,
		MessageWindow: appConfig.MessageWindow,
		Logger:        logger,
	})
	defer bus.Close()

	roomService, err := races.NewService(races.ServiceConfig{
		Database:   db,
		Directory:  directory,
		Actors:     actorService,
		Publisher:  bus,
		Ratings:    trigger,
		Clock:      time.Now,
		IDProvider: races.NewUUIDProvider(),
		Logger:     logger,
		Rules: races.Rules{
			Countdown:   appConfig.CountdownDuration,
			MinEntrants: appConfig.MinEntrants,
		},
		MessageWindow:     appConfig.MessageWindow,
		SnapshotCacheSize: appConfig.SnapshotCacheSize,
		SnapshotMaxStale:  appConfig.SnapshotMaxStale,
	})
	if err != nil {
		return err
	}
	defer roomService.Close()
	bus.AttachLoader(roomService)

	scheduler, err := jobs.NewScheduler(jobs.Config{
		Heartbeater:   bus,
		Recoverer:     roomService,
		HeartbeatSpec: appConfig.HeartbeatSpec,
		RecoverySpec:  appConfig.RecoverySpec,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:          roomService,
		Feeds:          bus,
		Sessions:       validator,
		Actors:         actorService,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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
