package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/loreweave/internal/app"
	"github.com/MrWong99/loreweave/internal/config"
	"github.com/MrWong99/loreweave/internal/lifecycle"
	"github.com/MrWong99/loreweave/internal/observe"
	"github.com/MrWong99/loreweave/internal/prompt"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(configPath *string, load loader) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			// ── Logger ──────────────────────────────────────────────────────
			level := new(slog.LevelVar)
			level.Set(cfg.Server.LogLevel.Slog())
			slog.SetDefault(newLogger(level))
			slog.Info("loreweave starting",
				"version", version,
				"config", *configPath,
				"listen_addr", cfg.Server.ListenAddr,
				"store", cfg.Store.Backend,
			)

			ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// ── Telemetry ───────────────────────────────────────────────────
			otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceName:    "loreweave",
				ServiceVersion: version,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			metrics := observe.DefaultMetrics()

			// ── Providers ───────────────────────────────────────────────────
			reg := config.NewRegistry()
			app.RegisterBuiltinProviders(reg)
			slog.Debug("provider factories registered", "names", reg.Names())
			providers, err := app.BuildProviders(cfg, reg, metrics)
			if err != nil {
				return err
			}

			application, err := app.New(ctx, cfg, providers,
				app.WithMetrics(metrics),
				app.WithMetricsHandler(promhttp.Handler()),
				app.WithLogLevel(level),
			)
			if err != nil {
				return err
			}

			// ── Config reload ───────────────────────────────────────────────
			if watch {
				w, err := config.NewWatcher(*configPath, application.ApplyConfig)
				if err != nil {
					slog.Warn("config watcher disabled", "err", err)
				} else {
					defer w.Stop()
				}
			}

			slog.Info("server ready, press Ctrl+C to shut down")
			runErr := application.Run(ctx)
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				slog.Error("run error", "err", runErr)
			} else {
				runErr = nil
			}

			// ── Graceful shutdown ───────────────────────────────────────────
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			slog.Info("shutdown signal received, stopping")
			err = errors.Join(runErr, application.Shutdown(shutdownCtx), otelShutdown(shutdownCtx))
			if err == nil {
				slog.Info("goodbye")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload hot-reloadable settings when the config file changes")
	return cmd
}

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			// Opening a SQL store applies its migrations.
			s, err := app.OpenStore(cmdContext(cmd), cfg.Store)
			if err != nil {
				return err
			}
			s.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "store %q is up to date\n", cfg.Store.Backend)
			return nil
		},
	}
}

func newLoreCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "lore <chat-id>",
		Short: "Print the narrator system prompt a chat would get right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			s, err := app.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			chat, err := s.GetChat(ctx, args[0])
			if err != nil {
				return err
			}
			snap, err := prompt.NewAssembler(s, s).Snapshot(ctx, chat.ID)
			if err != nil {
				return err
			}
			tc := cfg.TurnConfig()
			fmt.Fprintln(cmd.OutOrStdout(), prompt.Render(tc.BasePrompt, snap, tc.DefaultMainPrompt))
			return nil
		},
	}
}

func newSweepCmd(load loader) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep <chat-id>",
		Short: "Run a lifecycle sweep for a chat at its current assistant turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmdContext(cmd)
			s, err := app.OpenStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer s.Close()

			chat, err := s.GetChat(ctx, args[0])
			if err != nil {
				return err
			}
			rules := cfg.LifecycleRules()
			var ts []lifecycle.Transition
			if dryRun {
				ts, err = lifecycle.Plan(ctx, s, rules, chat.ID, chat.AssistantTurn)
			} else {
				ts, err = lifecycle.NewEngine(s, rules).Sweep(ctx, chat.ID, chat.AssistantTurn)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ts) == 0 {
				fmt.Fprintf(out, "no transitions at turn %d\n", chat.AssistantTurn)
				return nil
			}
			for _, t := range ts {
				fmt.Fprintln(out, t)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the transitions without applying them")
	return cmd
}
