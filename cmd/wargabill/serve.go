package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/api"
	"github.com/bher20/wargabill/internal/auth"
	"github.com/bher20/wargabill/internal/changefeed"
	"github.com/bher20/wargabill/internal/cron"
	"github.com/bher20/wargabill/internal/metrics"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ledger audit worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

type poolStatser interface {
	Stats() sql.DBStats
}

func (a *app) serve(ctx context.Context) error {
	deps := api.Deps{
		Store:         a.store,
		Billing:       a.billing,
		Notifications: a.notify,
		Logger:        a.logger,
	}
	if a.cfg.Auth.Enabled {
		authSvc, err := auth.NewService(a.store, a.cfg.Auth.TokenTTL, a.logger)
		if err != nil {
			return err
		}
		if err := authSvc.EnsureAdmin(ctx, a.cfg.Auth.AdminUsername, a.cfg.Auth.AdminPassword); err != nil {
			return err
		}
		deps.Auth = authSvc
	} else {
		a.logger.Warn("authentication disabled, every endpoint is open")
	}

	unsubscribe := a.feed.Subscribe(changefeed.All, func(c changefeed.Change) {
		a.logger.Debug("change", zap.String("collection", c.Collection), zap.String("id", c.ID), zap.String("op", string(c.Op)))
	})
	defer unsubscribe()

	if a.cfg.Cron.AuditSchedule != "" {
		worker := cron.NewWorker(a.store, a.billing, a.alerter, a.cfg.Cron.AuditSchedule, a.logger)
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("audit worker stopped", zap.Error(err))
			}
		}()
	}

	if ps, ok := a.store.(poolStatser); ok {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.UpdateDBPoolMetrics(a.cfg.Database.Driver, ps.Stats())
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              ":" + a.cfg.App.Port,
		Handler:           api.NewMux(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("wargabill listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
