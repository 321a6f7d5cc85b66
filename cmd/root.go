package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const DefaultConfigPath = "/etc/fibd/fibd.yaml"

var configPath = DefaultConfigPath

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fibd",
	Short: "Kernel FIB synchronization daemon",
	Long: `fibd keeps the kernel forwarding table in sync with a routing information base.
It selects the best route per prefix, resolves nexthops, programs the kernel over netlink
or the BSD routing socket, and can mirror the result to a Forwarding Plane Manager.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "daemon",
		Title: "Daemon Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "debug",
		Title: "Debugging Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "path to the fibd config")
}
