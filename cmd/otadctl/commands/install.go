package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <version>",
		Short: "Install a previously downloaded and verified package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := buildClient(cmd)
			if err := client.post("/api/v1.0/update", map[string]string{"version": args[0]}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "install accepted")
			return nil
		},
	}
}
