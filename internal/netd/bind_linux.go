//go:build linux

package netd

import (
	"golang.org/x/sys/unix"

	"grimm.is/netconn/internal/errors"
)

// MarkSocket sets SO_MARK on fd so the fwmark rule of netID routes it.
func MarkSocket(fd int, netID int32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(netID)); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "bind socket %d to net %d", fd, netID)
	}
	return nil
}
