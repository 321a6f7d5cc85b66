package sys

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var forwardingKnobs = []struct {
	family string
	path   string
}{
	{"IPv4", "/proc/sys/net/ipv4/ip_forward"},
	{"IPv6", "/proc/sys/net/ipv6/conf/all/forwarding"},
}

// VerifyForwarding reports every address family the kernel does not forward.
func VerifyForwarding() error {
	var errs []error
	for _, k := range forwardingKnobs {
		v, err := os.ReadFile(k.path)
		if errors.Is(err, os.ErrNotExist) && k.family == "IPv6" {
			// IPv6 disabled entirely
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if strings.TrimSpace(string(v)) != "1" {
			errs = append(errs, fmt.Errorf("%s forwarding is not enabled, set %s to 1", k.family, k.path))
		}
	}
	return errors.Join(errs...)
}
