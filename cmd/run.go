package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taxdue-crawler/internal/idlist"
	"github.com/JakeFAU/taxdue-crawler/internal/server"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch every identifier not yet recorded in the checkpoint",
		Long: `Reads identifiers from the input list, skips those already terminal in the
checkpoint, and fetches the rest under the configured rate limit. Interrupt
with Ctrl-C to drain in-flight requests and save progress; rerun to resume.`,
		RunE: runRunCommand,
	}
}

func runRunCommand(cmd *cobra.Command, _ []string) error {
	st, err := resolveState(cmd.Context())
	if err != nil {
		return err
	}
	if st.cfg.Run.InputPath == "" {
		return errors.New("run.input_path (or --input) is required")
	}

	ids, err := idlist.ReadFile(st.cfg.Run.InputPath, idlist.Options{Prefix: st.cfg.Run.IDPrefix})
	if err != nil {
		return err
	}
	st.logger.Info("identifiers loaded",
		zap.String("path", st.cfg.Run.InputPath),
		zap.Int("count", len(ids)),
	)

	app, err := server.Build(cmd.Context(), st.cfg, st.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer app.Close()

	summary, runErr := app.Run(cmd.Context(), ids)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if runErr != nil {
		return fmt.Errorf("run %s: %w", app.RunID(), runErr)
	}
	return nil
}
