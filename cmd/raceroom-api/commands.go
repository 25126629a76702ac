package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/auth"
	"github.com/MarcoPoloResearchLab/raceroom/internal/categories"
	"github.com/MarcoPoloResearchLab/raceroom/internal/config"
	"github.com/MarcoPoloResearchLab/raceroom/internal/database"
	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"github.com/MarcoPoloResearchLab/raceroom/internal/ratings"
	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errMissingRedisAddress = errors.New("ratings.redis_address is required for the worker")

// ratingTrigger is the races.RatingTrigger chosen at startup together with its
// shutdown hook.
type ratingTrigger struct {
	trigger races.RatingTrigger
	close   func()
}

func (t ratingTrigger) Trigger(ctx context.Context, request ratings.Request) error {
	return t.trigger.Trigger(ctx, request)
}

func (t ratingTrigger) Close() {
	if t.close != nil {
		t.close()
	}
}

// newRatingTrigger queues requests through Redis when an address is set and
// otherwise calls the calculator in-process.
func newRatingTrigger(appConfig config.AppConfig, logger *zap.Logger) (ratingTrigger, error) {
	if appConfig.RatingsRedisAddress != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: appConfig.RatingsRedisAddress})
		queue, err := ratings.NewTaskQueue(ratings.TaskQueueConfig{
			Client:  client,
			Queue:   appConfig.RatingsQueue,
			Timeout: appConfig.RatingsTimeout,
			Logger:  logger,
		})
		if err != nil {
			_ = client.Close()
			return ratingTrigger{}, err
		}
		logger.Info("rating requests queued", zap.String("redis", appConfig.RatingsRedisAddress), zap.String("queue", appConfig.RatingsQueue))
		return ratingTrigger{trigger: queue, close: func() { _ = client.Close() }}, nil
	}

	calculator, err := newCalculator(appConfig, logger)
	if err != nil {
		return ratingTrigger{}, err
	}
	dispatcher, err := ratings.NewDispatcher(ratings.DispatcherConfig{
		Calculator: calculator,
		Timeout:    appConfig.RatingsTimeout,
		Logger:     logger,
	})
	if err != nil {
		return ratingTrigger{}, err
	}
	return ratingTrigger{trigger: dispatcher, close: dispatcher.Wait}, nil
}

func newCalculator(appConfig config.AppConfig, logger *zap.Logger) (ratings.Calculator, error) {
	if appConfig.RatingsWebhookURL == "" {
		return ratings.NopCalculator{Logger: logger}, nil
	}
	return ratings.NewWebhookCalculator(appConfig.RatingsWebhookURL, &http.Client{Timeout: appConfig.RatingsTimeout})
}

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the rating queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	appConfig, logger, cleanup, err := loadRuntime()
	if err != nil {
		return err
	}
	defer cleanup()
	if appConfig.RatingsRedisAddress == "" {
		return errMissingRedisAddress
	}

	calculator, err := newCalculator(appConfig, logger)
	if err != nil {
		return err
	}
	handler, err := ratings.NewTaskHandler(calculator, logger)
	if err != nil {
		return err
	}
	worker := ratings.NewWorkerServer(asynq.RedisClientOpt{Addr: appConfig.RatingsRedisAddress}, appConfig.RatingsQueue, logger)
	if err := worker.Start(ratings.NewServeMux(handler)); err != nil {
		return err
	}
	logger.Info("rating worker started", zap.String("queue", appConfig.RatingsQueue))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()
	worker.Shutdown()
	return nil
}

func newTokenCommand() *cobra.Command {
	var (
		userID string
		name   string
		staff  bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, _, cleanup, err := loadRuntime()
			if err != nil {
				return err
			}
			defer cleanup()

			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			var roles []string
			if staff {
				roles = append(roles, auth.RoleStaff)
			}
			token, expiresAt, err := issuer.Issue(userID, name, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier, optionally provider-prefixed")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().BoolVar(&staff, "staff", false, "Grant the staff role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCategoryCommand() *cobra.Command {
	categoryCmd := &cobra.Command{
		Use:   "category",
		Short: "Manage race categories",
	}

	var definition categories.Definition
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Create or refresh a category with its goals and moderators",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if err := directory.Register(cmd.Context(), definition); err != nil {
				return err
			}
			logger.Info("category registered",
				zap.String("category", definition.Slug),
				zap.Int("goals", len(definition.Goals)),
				zap.Int("moderators", len(definition.ModeratorIDs)))
			return nil
		},
	}
	flags := registerCmd.Flags()
	flags.StringVar(&definition.Slug, "slug", "", "Category slug")
	flags.StringVar(&definition.Name, "name", "", "Category name")
	flags.StringVar(&definition.OwnerID, "owner", "", "Owner actor id")
	flags.StringSliceVar(&definition.Goals, "goals", nil, "Active goal names")
	flags.StringSliceVar(&definition.ModeratorIDs, "moderators", nil, "Moderator actor ids")
	flags.StringSliceVar(&definition.SlugWords, "words", nil, "Words used to build room slugs")
	flags.BoolVar(&definition.Active, "active", true, "Accept new rooms")
	flags.BoolVar(&definition.AllowUserRaces, "allow-user-races", true, "Let any signed-in user open rooms")
	for _, name := range []string{"slug", "name", "owner"} {
		_ = registerCmd.MarkFlagRequired(name)
	}

	categoryCmd.AddCommand(registerCmd)
	return categoryCmd
}
