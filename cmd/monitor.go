package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Prints kernel link, address and route changes as they happen",
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		ch, _, err := openKernel(verbose)
		cobra.CheckErr(err)
		defer ch.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			if err := ch.Wait(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				cobra.CheckErr(err)
			}
			for n, err := range ch.Poll() {
				cobra.CheckErr(err)
				fmt.Println(formatNotification(n))
			}
		}
	},
	GroupID: "debug",
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolP("verbose", "v", false, "Log dropped and malformed messages")
}
