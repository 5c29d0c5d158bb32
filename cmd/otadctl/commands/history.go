package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent update attempts from the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, cleanup, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := ledger.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("listing history: %w", err)
			}

			w := cmd.OutOrStdout()
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-8s %-7s %-8s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Version, e.Action, e.Outcome)
				if e.ErrorCode != "" {
					line += " " + e.ErrorCode
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries to show")
	cmd.Flags().String("db", "", "Path to the history database (default: from config)")

	return cmd
}
