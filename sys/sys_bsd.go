//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package sys

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var forwardingKnobs = []struct {
	family string
	name   string
}{
	{"IPv4", "net.inet.ip.forwarding"},
	{"IPv6", "net.inet6.ip6.forwarding"},
}

// VerifyForwarding reports every address family the kernel does not forward.
func VerifyForwarding() error {
	var errs []error
	for _, k := range forwardingKnobs {
		v, err := unix.SysctlUint32(k.name)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", k.name, err))
			continue
		}
		if v != 1 {
			errs = append(errs, fmt.Errorf("%s forwarding is not enabled, set sysctl %s=1", k.family, k.name))
		}
	}
	return errors.Join(errs...)
}
