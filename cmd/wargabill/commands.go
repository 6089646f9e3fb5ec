package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bher20/wargabill/internal/config"
	"github.com/bher20/wargabill/internal/cron"
	"github.com/bher20/wargabill/internal/migrate"
	"github.com/bher20/wargabill/internal/notification"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(cmd *cobra.Command, driver, dsn string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				return errors.New("the memory driver has no schema to migrate")
			}
			return fn(cmd, cfg.Database.Driver, cfg.Database.DSN)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				if err := migrate.Up(cmd.Context(), driver, dsn); err != nil {
					return err
				}
				v, err := migrate.Version(cmd.Context(), driver, dsn)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				return migrate.Down(cmd.Context(), driver, dsn)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the migration status",
			RunE: run(func(cmd *cobra.Command, driver, dsn string) error {
				return migrate.Status(cmd.Context(), driver, dsn)
			}),
		},
	)
	return cmd
}

func recalcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recalc",
		Short: "Reprice every unpaid bill with the saved tariff",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := cron.RunRecalc(cmd.Context(), a.store, a.billing, a.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s: %d bills, %d updated, %d unchanged, %d skipped\n",
				res.BatchID, res.Total, res.Updated, res.Unchanged, res.Skipped)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare stored bank balances with the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			worker := cron.NewWorker(a.store, a.billing, a.alerter, a.cfg.Cron.AuditSchedule, a.logger)
			drifts, err := worker.RunAudit(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(drifts) == 0 {
				fmt.Fprintln(out, "all bank balances match the ledger")
				return nil
			}
			for _, d := range drifts {
				fmt.Fprintf(out, "%s (%s): expected %s, stored %s, drift %s\n",
					d.BankName, d.AccountID,
					notification.FormatRupiah(d.Expected),
					notification.FormatRupiah(d.Actual),
					notification.FormatRupiah(d.Drift))
			}
			a.logger.Warn("bank balance drift found", zap.Int("accounts", len(drifts)))
			return fmt.Errorf("%d bank account(s) drifted", len(drifts))
		},
	}
}
