//go:build linux || darwin || freebsd

package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waitInterval bounds how long Wait blocks in poll(2) before rechecking ctx.
const waitInterval = 250 * time.Millisecond

func pollReadable(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(waitInterval.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return fmt.Errorf("%w: poll revents %#x", ErrChannelFailed, fds[0].Revents)
			}
			return nil
		}
	}
}
