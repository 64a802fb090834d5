package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/taxdue-crawler/internal/server"
)

func newFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List failed identifiers with their recorded reason",
		Long: `Prints one failed identifier per line followed by a '#' comment with the
reason. The output is a valid identifier list for a follow-up run.`,
		RunE: runFailedCommand,
	}
}

func runFailedCommand(cmd *cobra.Command, _ []string) error {
	st, err := resolveState(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.CheckpointOnly(cmd.Context(), st.cfg, st.logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer app.Close()

	cp, err := app.Checkpoint(cmd.Context())
	if err != nil {
		return err
	}
	for _, res := range cp.FailedResults() {
		reason := strings.Join(strings.Fields(res.Error), " ")
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t# %s: %s\n", res.Identifier, res.ErrorKind, reason)
	}
	return nil
}
