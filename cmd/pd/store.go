package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/db"
	"github.com/zulandar/podyard/internal/store"
	"go.uber.org/zap"
)

func newStoreCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Run the reference Message Store",
		Long: `Serves the Message Store API that pods and the dashboard talk to,
backed by SQLite or MySQL, and sweeps pod liveness on the configured schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Store.Port = port
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			gormDB, err := db.Open(cfg.Store)
			if err != nil {
				return fmt.Errorf("open store database: %w", err)
			}
			defer db.Close(gormDB)
			if err := db.AutoMigrate(gormDB); err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector())

			log.Info("store: starting",
				zap.String("driver", cfg.Store.Driver),
				zap.String("check_schedule", cfg.Store.CheckSchedule),
				zap.Duration("inactive_after", cfg.Store.InactiveAfter))

			ctx, cancel := signalContext(cmd)
			defer cancel()
			return store.Start(ctx, store.StartOpts{
				Opts: store.Opts{
					DB:            gormDB,
					InactiveAfter: cfg.Store.InactiveAfter,
					CheckSchedule: cfg.Store.CheckSchedule,
					RateRPS:       cfg.Store.RateLimit.RPS,
					RateBurst:     cfg.Store.RateLimit.Burst,
					Registry:      reg,
					Logger:        log.Named("store"),
				},
				Port: cfg.Store.Port,
				Out:  cmd.OutOrStdout(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", store.DefaultPort, "port to listen on")
	return cmd
}
