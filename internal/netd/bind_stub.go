//go:build !linux

package netd

import "grimm.is/netconn/internal/errors"

// MarkSocket is unsupported off Linux.
func MarkSocket(fd int, netID int32) error {
	return errors.Errorf(errors.KindUnavailable, "binding sockets to net %d requires linux", netID)
}
