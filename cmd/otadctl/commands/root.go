package commands

import (
	"github.com/spf13/cobra"
)

// Root returns the root cobra command with all subcommands attached.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "otadctl",
		Short: "Operator CLI for the otad update engine",
		Long:  "otadctl triggers downloads and installs against a running otad daemon and inspects its update history.",
	}

	cmd.PersistentFlags().String("addr", "", "otad HTTP address, e.g. http://localhost:8443 (default: $OTADCTL_ADDR or http://localhost:8443)")

	cmd.AddCommand(initCmd())
	cmd.AddCommand(statusCmd())
	cmd.AddCommand(downloadCmd())
	cmd.AddCommand(installCmd())
	cmd.AddCommand(historyCmd())

	return cmd
}
