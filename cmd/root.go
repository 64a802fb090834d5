// Package cmd defines the taxcrawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/config"
	"github.com/JakeFAU/taxdue-crawler/internal/logging"
)

// stateKeyType is the key for storing the CLI state in the context.
type stateKeyType string

const stateKey stateKeyType = "state"

// cliState carries what every subcommand needs.
type cliState struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadEnv reads .env files. It's a variable so tests can disable it.
var loadEnv = func() {
	_ = godotenv.Load(".env")
}

// newLogger builds the process logger.
var newLogger = logging.New

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		input   string
		runID   string
	)
	cmd := &cobra.Command{
		Use:   "taxcrawler",
		Short: "Resumable, rate-limited crawler for county tax records.",
		Long: `taxcrawler fetches the tax record page for each property identifier,
extracts the amount due and payment history, and checkpoints results so an
interrupted run resumes where it stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loadEnv()
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if input != "" {
				cfg.Run.InputPath = input
			}
			if runID != "" {
				cfg.Run.ID = runID
			}
			logger, err := newLogger(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), stateKey, &cliState{cfg: cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if st, ok := cmd.Context().Value(stateKey).(*cliState); ok && st.logger != nil {
				_ = st.logger.Sync() //nolint:errcheck // best-effort flush
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&input, "input", "", "identifier list, one per line (overrides run.input_path)")
	cmd.PersistentFlags().StringVar(&runID, "run-id", "", "checkpoint run id (overrides run.id)")

	cmd.AddCommand(newRunCmd(), newFailedCmd(), newStatusCmd())
	return cmd
}

func resolveState(ctx context.Context) (*cliState, error) {
	st, ok := ctx.Value(stateKey).(*cliState)
	if !ok || st == nil {
		return nil, errors.New("configuration not initialized")
	}
	return st, nil
}

// Execute is the main entry point. The first SIGINT/SIGTERM starts a
// graceful drain; a second one terminates immediately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
