package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"candlewatch-go/internal/bot"
	"candlewatch-go/internal/config"
	"candlewatch-go/internal/metrics"
	"candlewatch-go/internal/strategy"
	"candlewatch-go/internal/util"
)

const defaultConfigPath = "internal/config/config.yaml"

var (
	version    = "dev"
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           "watchbot",
		Short:         "Candle pattern watcher with consensus-gated paper trading",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override app.log_level")

	root.AddCommand(runCmd(), replayCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream the configured market and trade until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		file       string
		pace       time.Duration
		simulation bool
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay recorded bars through the watchers and exit when they run out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Market.Provider = "replay"
			if file != "" {
				cfg.Market.ReplayFile = file
			}
			if pace > 0 {
				cfg.Market.ReplayPaceMs = int(pace / time.Millisecond)
			}
			if cmd.Flags().Changed("simulation") {
				cfg.Trading.Simulation = simulation
			}
			if cfg.Market.ReplayFile == "" {
				return errors.New("replay needs market.replay_file or --file")
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON lines file of recorded bars")
	cmd.Flags().DurationVar(&pace, "pace", 0, "delay between replayed bars")
	cmd.Flags().BoolVar(&simulation, "simulation", true, "book trades without placing orders")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and registered strategies",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "watchbot %s\nstrategies: %v\n", version, strategy.Modes())
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.App.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.App) (zerolog.Logger, io.Closer) {
	if cfg.LogFile != "" {
		return util.NewFileLogger(cfg.LogLevel, cfg.LogFile)
	}
	return util.NewLogger(cfg.LogLevel), nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func serve(parent context.Context, cfg *config.Config) error {
	log, closer := newLogger(&cfg.App)
	defer closer.Close()

	if cfg.App.MetricsAddr != "" {
		srv := metrics.Serve(cfg.App.MetricsAddr)
		defer srv.Close()
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := ossignal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := bot.New(cfg, log)
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		_ = b.Stop()
		return err
	}

	waitErr := b.Wait(ctx)
	if errors.Is(waitErr, context.Canceled) {
		log.Info().Msg("shutting down")
		waitErr = nil
	}
	stopErr := b.Stop()

	pnl := b.Broker().RealizedPnL()
	log.Info().
		Str("realized_pnl", pnl.StringFixed(2)).
		Int("fills", len(b.Ledger().Snapshot())).
		Int("trades", len(b.Ledger().Trades())).
		Msg("session summary")
	return errors.Join(waitErr, stopErr)
}
