package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/taxdue-crawler/internal/server"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize checkpointed progress without fetching",
		RunE:  runStatusCommand,
	}
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
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
	succeeded, failed := cp.Counts()
	remaining := cp.Cursor.Total - succeeded - failed
	if remaining < 0 {
		remaining = 0
	}
	lastFlush := "never"
	if !cp.LastFlush.IsZero() {
		lastFlush = cp.LastFlush.UTC().Format(time.RFC3339)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "run\t%s\n", app.RunID())
	fmt.Fprintf(w, "total\t%d\n", cp.Cursor.Total)
	fmt.Fprintf(w, "succeeded\t%d\n", succeeded)
	fmt.Fprintf(w, "failed\t%d\n", failed)
	fmt.Fprintf(w, "remaining\t%d\n", remaining)
	fmt.Fprintf(w, "attempts\t%d\n", cp.Cursor.Attempts)
	fmt.Fprintf(w, "flushes\t%d\n", cp.Cursor.Seq)
	fmt.Fprintf(w, "last_flush\t%s\n", lastFlush)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}
