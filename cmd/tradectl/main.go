package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradectl/config"
	"tradectl/engine"
	"tradectl/notify"
	"tradectl/trading"
)

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "tradectl",
		Short:         "Drive automated trading through whichever backend is reachable",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log negotiation and transport details")

	rootCmd.AddCommand(
		resolveCmd(flags),
		enableCmd(flags, true),
		enableCmd(flags, false),
		riskCmd(flags),
		stopCmd(flags),
		statusCmd(flags),
		watchCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Negotiate a transport and report which one was chosen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, _ config.Config) error {
				return printResult(e.ResolveTransport(ctx))
			})
		},
	}
}

func addSettingsFlags(cmd *cobra.Command, s *trading.Settings) {
	def := trading.Default()
	cmd.Flags().Float64Var(&s.BuyThresholdPct, "buy", def.BuyThresholdPct, "buy threshold as a fraction")
	cmd.Flags().Float64Var(&s.SellThresholdPct, "sell", def.SellThresholdPct, "sell threshold as a fraction")
	cmd.Flags().Int64Var(&s.MaxPositionPerTrade, "max-position", def.MaxPositionPerTrade, "maximum position per trade")
	cmd.Flags().StringVar(&s.StrategyTag, "strategy", "", "strategy tag stored with the settings")
}

func enableCmd(flags *globalFlags, enabled bool) *cobra.Command {
	var s trading.Settings
	use, short := "disable", "Disable automated trading"
	if enabled {
		use, short = "enable", "Enable automated trading"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, _ config.Config) error {
				return printResult(e.EnableTrading(ctx, enabled, s))
			})
		},
	}
	addSettingsFlags(cmd, &s)
	return cmd
}

func riskCmd(flags *globalFlags) *cobra.Command {
	var s trading.Settings
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Push risk settings without changing anything else",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, _ config.Config) error {
				return printResult(e.SetRiskSettings(ctx, s))
			})
		},
	}
	addSettingsFlags(cmd, &s)
	cmd.Flags().BoolVar(&s.Enabled, "enabled", false, "enabled flag written with the settings")
	return cmd
}

func stopCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Emergency stop: disable trading with zeroed settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, _ config.Config) error {
				return printResult(e.EmergencyStop(ctx))
			})
		},
	}
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the trading settings currently in effect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, _ config.Config) error {
				// A fresh process has nothing cached, so commit to a transport first.
				e.ResolveTransport(ctx)
				return printResult(e.QueryStatus(ctx))
			})
		},
	}
}

func watchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll trading status and print notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), flags, func(ctx context.Context, e *engine.Engine, cfg config.Config) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				enc := json.NewEncoder(os.Stdout)
				unsubscribe := e.Subscribe(func(ev notify.Event) {
					_ = enc.Encode(ev)
				})
				defer unsubscribe()

				e.ResolveTransport(ctx)
				engine.NewMonitor(e, cfg.Engine.MonitorInterval.Std(), log.Default()).Start(ctx)
				return nil
			})
		},
	}
}

func withEngine(ctx context.Context, flags *globalFlags, fn func(context.Context, *engine.Engine, config.Config) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return fmt.Errorf("load %s: %w", flags.envFile, err)
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var logger *log.Logger
	if flags.verbose {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	opts, err := cfg.Engine.EngineOptions(nil, logger)
	if err != nil {
		return err
	}
	e := engine.New(opts)
	defer e.Close()
	return fn(ctx, e, cfg)
}

func printResult(res engine.CommandResult) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("command failed: %s via %s", res.Err, res.Transport)
	}
	return nil
}
