package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ecairns22/otad/internal/config"
)

func initCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.toml for first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				fmt.Fprint(cmd.OutOrStdout(), config.TemplateConfig())
				return nil
			}

			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			if err := os.WriteFile(out, []byte(config.TemplateConfig()), 0644); err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "Write the template to this path instead of stdout")

	return cmd
}
