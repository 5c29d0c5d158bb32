package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func downloadCmd() *cobra.Command {
	var (
		version string
		name    string
		size    int64
		md5hex  string
	)

	cmd := &cobra.Command{
		Use:   "download <package_url>",
		Short: "Start (or resume) downloading a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || md5hex == "" {
				return fmt.Errorf("--name and --md5 are required")
			}

			client := buildClient(cmd)
			err := client.post("/api/v1.0/download", map[string]any{
				"version":      version,
				"package_url":  args[0],
				"package_name": name,
				"package_size": size,
				"package_md5":  md5hex,
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "download accepted")
			return nil
		},
	}

	cmd.Flags().StringVarP(&version, "pkg-version", "v", "", "Package version")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Destination file name (required)")
	cmd.Flags().Int64VarP(&size, "size", "s", 0, "Expected package size in bytes")
	cmd.Flags().StringVar(&md5hex, "md5", "", "Expected MD5 hex digest (required)")

	return cmd
}
