package cmd

import (
	"log/slog"

	"github.com/encodeous/fibd/core"
	"github.com/encodeous/fibd/sys"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run fibd",
	Long:  `This will run fibd on the current host. It needs permission to change the kernel routing table (CAP_NET_ADMIN on Linux).`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := sys.VerifyForwarding(); err != nil {
			slog.Warn("routes will be installed, but this host will not forward", "error", err)
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		traceEvents, _ := cmd.Flags().GetBool("trace")
		runtimeTrace, _ := cmd.Flags().GetString("runtime-trace")
		cobra.CheckErr(core.Bootstrap(configPath, verbose, traceEvents, runtimeTrace))
	},
	GroupID: "daemon",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().BoolP("trace", "t", false, "Log every RIB change")
	runCmd.Flags().String("runtime-trace", "", "Write a Go runtime trace to this file")
}
