package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/encodeous/fibd/kernel"
	"github.com/encodeous/fibd/state"
	"github.com/encodeous/tint"
)

// openKernel opens a channel with the backend and protocol of the config at configPath.
func openKernel(verbose bool) (kernel.Channel, *state.Config, error) {
	cfg, err := state.ReadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	ch, err := kernel.Open(kernel.Config{
		Backend:  cfg.Backend,
		Protocol: cfg.Protocol,
		RcvBuf:   cfg.RcvBuf,
		Log: slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})),
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, cfg, nil
}

func formatNotification(n kernel.Notification) string {
	sb := strings.Builder{}
	verb := "add"
	if n.Delete {
		verb = "del"
	}
	sb.WriteString(fmt.Sprintf("%-5s %s", n.Kind, verb))
	switch n.Kind {
	case kernel.NotifyLink:
		oper := "down"
		if n.Up {
			oper = "up"
		}
		sb.WriteString(fmt.Sprintf("\t%d\t%s\t%s", n.Ifindex, n.Name, oper))
	case kernel.NotifyAddr:
		sb.WriteString(fmt.Sprintf("\t%d\t%s", n.Ifindex, n.Prefix))
	case kernel.NotifyRoute:
		sb.WriteString(fmt.Sprintf("\t%s\tproto %d\ttable %d", n.Prefix, n.Protocol, n.Table))
		if n.Entry != nil {
			sb.WriteString("\t" + n.Entry.String())
		}
		if n.Own {
			sb.WriteString("\t(fibd)")
		}
	}
	return sb.String()
}
