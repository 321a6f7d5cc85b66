package cmd

import (
	"fmt"

	"github.com/encodeous/fibd/state"
	"github.com/encodeous/fibd/sys"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validates the config and prints it with defaults applied",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := state.ReadConfig(configPath)
		cobra.CheckErr(err)
		out, err := yaml.Marshal(cfg)
		cobra.CheckErr(err)
		fmt.Print(string(out))
		fmt.Printf("configuration is valid: %d static routes, %d excluded prefixes\n", len(cfg.StaticRoutes), len(cfg.ExcludePrefixes))
		if err := sys.VerifyForwarding(); err != nil {
			fmt.Println("warning:", err)
		}
	},
	GroupID: "daemon",
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
