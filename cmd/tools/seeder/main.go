package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/toko-orders/internal/app"
	"github.com/noah-isme/toko-orders/internal/config"
	"github.com/noah-isme/toko-orders/internal/obs"
	"github.com/noah-isme/toko-orders/internal/seed"
	"github.com/noah-isme/toko-orders/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "seeder",
		Short:         "Import reference data into the order store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newApplyCmd())
	cmd.AddCommand(newCheckCmd())
	return cmd
}

func newApplyCmd() *cobra.Command {
	var (
		file    string
		migrate bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Load currencies, rates, products and vouchers from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readFixture(file)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "seeder").Logger()

			if migrate {
				if err := store.Migrate(cfg.DatabaseURL); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			deps, err := app.Connect(ctx, cfg, logger, "toko-orders-seeder")
			if err != nil {
				return err
			}
			defer deps.Close()

			svc, err := app.Build(app.Options{
				Config:      cfg,
				Collections: app.PostgresCollections(deps.DB),
				Redis:       deps.Redis,
				Logger:      &logger,
			})
			if err != nil {
				return err
			}
			rep, err := seed.Apply(ctx, seed.Targets{Currencies: svc.Currencies, Catalog: svc.Catalog, Vouchers: svc.Vouchers}, f)
			if err != nil {
				return err
			}
			logger.Info().
				Int("currencies", rep.Currencies).
				Int("rates", rep.Rates).
				Int("products", rep.Products).
				Int("vouchers", rep.Vouchers).
				Int("skipped", rep.Skipped).
				Msg("seed applied")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "fixture file")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "run database migrations first")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall timeout")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a fixture against an in-memory store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readFixture(file)
			if err != nil {
				return err
			}
			svc, err := app.Build(app.Options{Config: &config.Config{}, Collections: app.MemoryCollections()})
			if err != nil {
				return err
			}
			rep, err := seed.Apply(cmd.Context(), seed.Targets{Currencies: svc.Currencies, Catalog: svc.Catalog, Vouchers: svc.Vouchers}, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d currencies, %d rates, %d products, %d vouchers\n",
				rep.Currencies, rep.Rates, rep.Products, rep.Vouchers)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "seed.yaml", "fixture file")
	return cmd
}

func readFixture(path string) (seed.Fixture, error) {
	fh, err := os.Open(path)
	if err != nil {
		return seed.Fixture{}, err
	}
	defer fh.Close()
	return seed.Decode(fh)
}
