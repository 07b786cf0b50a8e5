package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"chainreport/internal/app/di"
	"chainreport/internal/shared/config"
	jsonx "chainreport/internal/shared/json"
	"chainreport/internal/shared/logging"
	"chainreport/internal/shared/utils"
	"chainreport/internal/shared/utils/id"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// CLI carries state shared by every subcommand.
type CLI struct {
	out        io.Writer
	configPath string
	dotEnvPath string
	envLookup  config.EnvLookup
	logger     logging.Logger
}

// NewRootCommand builds the chainreport command tree writing results to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	return newRootCommand(&CLI{
		out:       out,
		envLookup: config.DefaultEnvLookup,
		logger:    logging.NewComponentLogger("Main"),
	})
}

func newRootCommand(cli *CLI) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "chainreport",
		Short:         "Crypto token report orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&cli.dotEnvPath, "env-file", ".env", "Optional .env file with CHAINREPORT_* settings")

	rootCmd.AddCommand(newRunCommand(cli))
	rootCmd.AddCommand(newSweepCommand(cli))
	rootCmd.AddCommand(newServeCommand(cli))
	return rootCmd
}

func newRunCommand(cli *CLI) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate one report for a token and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			container, err := cli.build(ctx)
			if err != nil {
				return err
			}
			defer cli.shutdown(container)

			report, err := container.Pipeline.Generate(ctx, token)
			if err != nil && report.ReportID == "" {
				return err
			}
			if err != nil {
				cli.logger.Warn("Report %s ended with error: %v", report.ReportID, err)
			}
			payload, marshalErr := jsonx.MarshalIndent(report, "", "  ")
			if marshalErr != nil {
				return fmt.Errorf("encode report: %w", marshalErr)
			}
			if _, writeErr := fmt.Fprintln(cli.out, string(payload)); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&token, "token", "t", "", "Token identifier, e.g. bitcoin")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newSweepCommand(cli *CLI) *cobra.Command {
	var timeoutMinutes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out reports stuck in progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			container, err := cli.build(cmd.Context())
			if err != nil {
				return err
			}
			defer cli.shutdown(container)

			if timeoutMinutes <= 0 {
				timeoutMinutes = container.Config.Sweep.TimeoutMinutes
			}
			changed, err := container.State.RecoverStalled(cmd.Context(), timeoutMinutes)
			if err != nil {
				return err
			}
			container.Metrics.RecordSweep(cmd.Context(), changed)
			_, err = fmt.Fprintf(cli.out, "%d report(s) timed out\n", changed)
			return err
		},
	}
	cmd.Flags().IntVar(&timeoutMinutes, "timeout-minutes", 0, "Stall threshold in minutes (defaults to sweep.timeout_minutes)")
	return cmd
}

func newServeCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recovery sweep and expose /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			container, err := cli.build(ctx)
			if err != nil {
				return err
			}
			if err := container.Start(ctx); err != nil {
				cli.shutdown(container)
				return err
			}
			cli.logger.Info("chainreport serving (metrics on %s)", container.Config.Observability.MetricsAddr)

			<-ctx.Done()
			cli.logger.Info("Shutdown signal received, draining...")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return container.Drain(drainCtx)
		},
	}
}

func (cli *CLI) loadConfig() (config.Config, error) {
	cfg, meta, err := config.Load(
		config.WithConfigPath(cli.configPath),
		config.WithDotEnvPath(cli.dotEnvPath),
		config.WithEnvLookup(cli.envLookup),
	)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	utils.GetLogger().SetLevel(utils.ParseLevel(cfg.LogLevel))
	if cfg.IDStrategy == "uuidv7" {
		id.SetStrategy(id.StrategyUUIDv7)
	} else {
		id.SetStrategy(id.StrategyKSUID)
	}
	if path := meta.ConfigPath(); path != "" {
		cli.logger.Debug("Loaded config from %s", path)
	}
	return cfg, nil
}

func (cli *CLI) build(ctx context.Context) (*di.Container, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, err
	}
	container, err := di.BuildContainer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize container: %w", err)
	}
	return container, nil
}

func (cli *CLI) shutdown(container *di.Container) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := container.Shutdown(ctx); err != nil {
		cli.logger.Warn("Failed to shut down cleanly: %v", err)
	}
}
