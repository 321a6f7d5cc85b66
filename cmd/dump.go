package cmd

import (
	"context"
	"fmt"

	"github.com/encodeous/fibd/kernel"
	"github.com/spf13/cobra"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Prints the links, addresses and routes the kernel reports",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		ownOnly, _ := cmd.Flags().GetBool("own")
		ch, cfg, err := openKernel(verbose)
		cobra.CheckErr(err)
		defer ch.Close()

		notes, err := ch.Dump(context.Background())
		cobra.CheckErr(err)
		for _, n := range notes {
			if n.Kind == kernel.NotifyRoute && (n.Ignored || (n.Table != 0 && n.Table != cfg.Table)) {
				continue
			}
			if ownOnly && !n.Own {
				continue
			}
			fmt.Println(formatNotification(n))
		}
	},
	GroupID: "debug",
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().BoolP("verbose", "v", false, "Log kernel requests")
	dumpCmd.Flags().Bool("own", false, "Only print routes installed by fibd")
}
