package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skybeam/groundstation/internal/buildinfo"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "groundstation %s\n", buildinfo.Current())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
