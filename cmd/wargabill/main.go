package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/alerting"
	"github.com/bher20/wargabill/internal/billing"
	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/config"
	"github.com/bher20/wargabill/internal/cron"
	"github.com/bher20/wargabill/internal/logger"
	"github.com/bher20/wargabill/internal/migrate"
	"github.com/bher20/wargabill/internal/notification"
	"github.com/bher20/wargabill/internal/storage"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "wargabill",
		Short:         "Billing and arrears bookkeeping for RT/RW neighborhood associations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.AddCommand(serveCmd(), migrateCmd(), recalcCmd(), auditCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   storage.Storage
	feed    changefeed.Feed
	alerter *alerting.Alerter
	notify  *notification.Service
	billing *billing.Service
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	if cfg.Database.AutoMigrate && cfg.Database.Driver != "memory" {
		if err := migrate.Up(ctx, cfg.Database.Driver, cfg.Database.DSN); err != nil {
			return nil, fmt.Errorf("auto-migration: %w", err)
		}
		log.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
	}

	st, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var feed changefeed.Feed
	if cfg.Redis.Enabled {
		rf, err := changefeed.NewRedisFeed(ctx, changefeed.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			st.Close()
			return nil, err
		}
		feed = rf
	} else {
		feed = changefeed.NewMemoryFeed(log)
	}

	alerter := alerting.NewAlerter(alerting.AlertConfig{
		WebhookURL:             cfg.Alert.WebhookURL,
		WebhookType:            cfg.Alert.WebhookType,
		MinFailuresBeforeAlert: cfg.Alert.MinFailures,
	}, log)
	notify := notification.NewService(st, log, cfg.Location())

	svc := billing.NewService(st,
		billing.WithLogger(log),
		billing.WithFeed(feed),
		billing.WithNotifier(notify),
		billing.WithRecalcListener(cron.RecalcAlertListener(alerter, log)),
		billing.WithLocation(cfg.Location()),
		billing.WithBatchSize(cfg.Billing.RecalcBatchSize),
		billing.WithBatchDelay(cfg.Billing.RecalcBatchDelay),
	)

	return &app{
		cfg:     cfg,
		logger:  log,
		store:   st,
		feed:    feed,
		alerter: alerter,
		notify:  notify,
		billing: svc,
	}, nil
}

func (a *app) Close() {
	if err := a.feed.Close(); err != nil {
		a.logger.Warn("close change feed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close storage", zap.Error(err))
	}
	_ = a.logger.Sync()
}
