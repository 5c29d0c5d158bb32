package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current update progress snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := buildClient(cmd)

			p, err := client.progress()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Stage:    %s\n", p.Stage)
			fmt.Fprintf(w, "Progress: %d%%\n", p.Progress)
			if p.Message != "" {
				fmt.Fprintf(w, "Message:  %s\n", p.Message)
			}
			if p.Error != "" {
				fmt.Fprintf(w, "Error:    %s\n", p.Error)
			}
			return nil
		},
	}
}
