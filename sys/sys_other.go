//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package sys

func VerifyForwarding() error {
	return nil
}
