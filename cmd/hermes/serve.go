package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/hermes/internal/channels/discord"
	"github.com/haasonsaas/hermes/internal/channels/slack"
	"github.com/haasonsaas/hermes/internal/channels/telegram"
	"github.com/haasonsaas/hermes/internal/channels/whatsapp"
	"github.com/haasonsaas/hermes/internal/cron"
	"github.com/haasonsaas/hermes/internal/observability"
)

func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent with every configured channel",
		Long: `Start the hermes runtime: connect the configured platform adapters,
open the session store, start the cron scheduler, and route messages
through the agent loop until interrupted.

Channels connect only when their credentials are configured; a config
with no channel tokens still serves cron jobs and the metrics endpoint.`,
		Example: `  # Run with the default home (~/.hermes)
  hermes serve

  # Run against an alternate state root with debug logging
  hermes serve --home /srv/hermes --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), homeFlag(cmd), debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, home string, debug bool) error {
	rt, err := newRuntime(ctx, home, debug)
	if err != nil {
		return err
	}
	shutdownCtx := context.WithoutCancel(ctx)
	defer rt.Close(shutdownCtx)

	if err := registerAdapters(rt); err != nil {
		return err
	}
	if len(rt.adapters.All()) == 0 {
		rt.logger.Warn("no channels configured; only cron and metrics are active")
	}

	var metricsSrv *observability.Server
	if addr := rt.cfg.Observability.MetricsAddr; addr != "" {
		metricsSrv = observability.NewServer(addr, rt.logger)
		metricsSrv.Start()
	}

	jobs, err := cron.OpenStore(rt.cfg.Cron.JobsFile)
	if err != nil {
		return fmt.Errorf("cron store: %w", err)
	}
	scheduler := cron.New(jobs, rt.gw, rt.gw,
		cron.WithLogger(rt.logger),
		cron.WithMetrics(rt.metrics),
		cron.WithInterval(time.Duration(rt.cfg.Cron.Interval)),
		cron.WithOutputLog(filepath.Join(rt.cfg.Paths().LogsDir, "cron-output.log")),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// SIGHUP re-reads the config and swaps hooks, directory, and the cron
	// job list without dropping conversations.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				cfg, err := loadConfig(home)
				if err != nil {
					rt.logger.Error("reload: config invalid, keeping current", "error", err)
					continue
				}
				if err := rt.gw.Reload(cfg); err != nil {
					rt.logger.Error("reload: gateway", "error", err)
				}
				if err := jobs.Reload(); err != nil {
					rt.logger.Error("reload: cron jobs", "error", err)
				}
			}
		}
	}()

	if err := rt.adapters.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer cancel()
		if err := rt.adapters.StopAll(stopCtx); err != nil {
			rt.logger.Warn("adapter stop failed", "error", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(stopCtx); err != nil {
				rt.logger.Warn("metrics server stop failed", "error", err)
			}
		}
	}()

	rt.logger.Info("hermes running",
		"home", rt.cfg.Paths().Root,
		"model", rt.cfg.Agent.Model,
		"sandbox", rt.sandbox.Kind(),
		"channels", len(rt.adapters.All()),
		"cron_jobs", len(jobs.Jobs()),
	)

	if err := rt.gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	rt.logger.Info("hermes stopped")
	return nil
}

// registerAdapters connects every platform whose credentials are present.
func registerAdapters(rt *runtime) error {
	cfg := rt.cfg

	if tg := cfg.Channels.Telegram; tg.Token != "" {
		a, err := telegram.New(telegram.Config{
			Token:        tg.Token,
			AllowedUsers: tg.AllowedUsers,
			Media:        rt.media,
			Approvals:    rt.gate,
			Logger:       rt.logger,
		})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		rt.adapters.Register(a)
	}

	if dc := cfg.Channels.Discord; dc.Token != "" {
		a, err := discord.New(discord.Config{
			Token:                dc.Token,
			GuildID:              dc.GuildID,
			AllowedUsers:         dc.AllowedUsers,
			FreeResponseChannels: dc.FreeResponseChannels,
			Media:                rt.media,
			Approvals:            rt.gate,
			Logger:               rt.logger,
		})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		rt.adapters.Register(a)
	}

	if sl := cfg.Channels.Slack; sl.BotToken != "" && sl.AppToken != "" {
		a, err := slack.New(slack.Config{
			BotToken:     sl.BotToken,
			AppToken:     sl.AppToken,
			AllowedUsers: sl.AllowedUsers,
			Media:        rt.media,
			Approvals:    rt.gate,
			Logger:       rt.logger,
		})
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		rt.adapters.Register(a)
	}

	if wa := cfg.Channels.WhatsApp; wa.Enabled {
		path := wa.SessionPath
		if path == "" {
			path = filepath.Join(cfg.Paths().Root, "whatsapp.db")
		}
		a, err := whatsapp.New(whatsapp.Config{
			SessionPath: path,
			Media:       rt.media,
			Logger:      rt.logger,
		})
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		rt.adapters.Register(a)
	}

	return nil
}
