//go:build !linux && !darwin && !freebsd

package kernel

import "fmt"

const DefaultBackend = BackendNetlink

func openNetlink(Config) (Channel, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendNetlink)
}

func openRtsock(Config) (Channel, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, BackendRtsock)
}
