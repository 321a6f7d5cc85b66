package cmd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/encodeous/fibd/fpm"
	"github.com/encodeous/fibd/rib"
	"github.com/encodeous/fibd/route"
	"github.com/encodeous/fibd/wire"
	"github.com/spf13/cobra"
)

// dryRun accepts every transaction without touching the kernel.
type dryRun struct{}

func (dryRun) Route(wire.Cmd, netip.Prefix, *route.Entry, []route.Nexthop) error { return nil }

var fpmEncodeCmd = &cobra.Command{
	Use:   "fpm-encode <prefix>",
	Short: "Prints the FPM frame fibd would send for a static route",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prefix, err := netip.ParsePrefix(args[0])
		cobra.CheckErr(err)
		gateways, _ := cmd.Flags().GetStringSlice("gateway")
		ifindex, _ := cmd.Flags().GetUint32("ifindex")
		blackhole, _ := cmd.Flags().GetBool("blackhole")
		metric, _ := cmd.Flags().GetUint32("metric")
		del, _ := cmd.Flags().GetBool("delete")
		formatName, _ := cmd.Flags().GetString("format")
		format, err := fpm.ParseFormat(formatName)
		cobra.CheckErr(err)

		e := &route.Entry{Type: route.Static, Metric: metric, Flags: route.FlagStatic}
		switch {
		case blackhole:
			e.Flags |= route.FlagBlackhole
			e.Nexthops = []route.Nexthop{route.BlackholeNexthop()}
		case len(gateways) == 0:
			e.Nexthops = []route.Nexthop{route.IfindexNexthop(ifindex)}
		}
		for _, gw := range gateways {
			addr, err := netip.ParseAddr(gw)
			cobra.CheckErr(err)
			e.Nexthops = append(e.Nexthops, route.GatewayNexthop(addr, ifindex))
		}

		store := rib.NewStore(rib.Options{FIB: dryRun{}, Log: slog.New(slog.DiscardHandler)})
		store.SetLink(ifindex, true)
		cobra.CheckErr(store.Add(prefix, e))
		store.ProcessQueue()
		d := store.Dest(prefix)
		if d == nil || d.Selected() == nil {
			cobra.CheckErr(fmt.Errorf("route %s is not usable", prefix))
		}

		c := wire.CmdAdd
		if del {
			c = wire.CmdDelete
		}
		buf := make([]byte, fpm.MaxMsgLen)
		n, err := fpm.EncodeForFPM(buf, c, d, format)
		cobra.CheckErr(err)
		fmt.Print(hex.Dump(buf[:n]))
	},
	GroupID: "debug",
}

func init() {
	rootCmd.AddCommand(fpmEncodeCmd)
	fpmEncodeCmd.Flags().StringSliceP("gateway", "g", nil, "nexthop gateway, repeat for multipath")
	fpmEncodeCmd.Flags().Uint32P("ifindex", "i", 1, "interface of the nexthops")
	fpmEncodeCmd.Flags().Bool("blackhole", false, "discard matching packets")
	fpmEncodeCmd.Flags().Uint32("metric", 0, "route metric")
	fpmEncodeCmd.Flags().Bool("delete", false, "encode a delete instead of an add")
	fpmEncodeCmd.Flags().StringP("format", "f", "netlink", "payload format, netlink or protobuf")
}
