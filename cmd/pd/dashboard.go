package main

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zulandar/podyard/internal/config"
	"github.com/zulandar/podyard/internal/dashboard"
	"github.com/zulandar/podyard/internal/podstatus"
	"github.com/zulandar/podyard/internal/reconcile"
	"github.com/zulandar/podyard/internal/telegraph"
	"github.com/zulandar/podyard/internal/telegraph/discord"
	"github.com/zulandar/podyard/internal/telegraph/slack"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newDashboardCmd() *cobra.Command {
	var (
		configPath string
		port       int
		node       string
	)

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Start the operator dashboard",
		Long: `Starts the web dashboard. It polls the Message Store, reconciles the
conversation with each pod, tracks pod status and, when telegraph is
configured, relays pod messages to Slack or Discord.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Dashboard.Port = port
			}
			if node != "" {
				cfg.Dashboard.DefaultNode = node
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			return runDashboard(ctx, cfg, cmd.OutOrStdout())
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on")
	cmd.Flags().StringVar(&node, "node", "", "pod selected on startup")
	return cmd
}

func runDashboard(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := reconcile.New(reconcile.Opts{
		Source:       client,
		PollInterval: cfg.Dashboard.PollInterval,
		DefaultNode:  cfg.Dashboard.DefaultNode,
		Logger:       log.Named("reconcile"),
		Metrics:      reconcile.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	monitor, err := podstatus.NewMonitor(podstatus.MonitorOpts{
		Source:       client,
		PollInterval: cfg.Dashboard.PodPollInterval,
		Logger:       log.Named("podstatus"),
	})
	if err != nil {
		return err
	}

	relay, err := newRelay(cfg.Telegraph, engine, log.Named("telegraph"))
	if err != nil {
		return err
	}

	log.Info("dashboard: starting",
		zap.String("backend", client.BaseURL()),
		zap.Duration("poll_interval", cfg.Dashboard.PollInterval),
		zap.Bool("telegraph", relay != nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Opts: dashboard.Opts{
				Engine:   engine,
				Pods:     monitor,
				Registry: reg,
				Logger:   log.Named("dashboard"),
			},
			Port: cfg.Dashboard.Port,
			Out:  out,
		})
	})
	if relay != nil {
		g.Go(func() error {
			// A chat outage must not take the dashboard down.
			if err := relay.Run(gctx); err != nil {
				log.Error("telegraph: relay stopped", zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// newRelay builds the chat relay, or returns nil when none is configured.
func newRelay(cfg config.TelegraphConfig, engine telegraph.Engine, log *zap.Logger) (*telegraph.Relay, error) {
	var (
		adapter telegraph.Adapter
		err     error
	)
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		adapter, err = slack.New(slack.AdapterOpts{
			BotToken:  cfg.BotToken,
			AppToken:  cfg.AppToken,
			ChannelID: cfg.ChannelID,
			Logger:    log,
		})
	case "discord":
		adapter, err = discord.New(discord.AdapterOpts{
			BotToken:  cfg.BotToken,
			ChannelID: cfg.ChannelID,
			Logger:    log,
		})
	default:
		return nil, fmt.Errorf("telegraph: unknown platform %q", cfg.Platform)
	}
	if err != nil {
		return nil, err
	}
	return telegraph.NewRelay(telegraph.RelayOpts{
		Adapter:   adapter,
		Engine:    engine,
		ChannelID: cfg.ChannelID,
		Logger:    log,
	})
}
