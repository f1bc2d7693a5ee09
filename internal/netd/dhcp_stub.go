//go:build !linux

package netd

import (
	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
)

type unsupportedDHCP struct{}

// NewDHCPClientRunner returns a runner that always fails off Linux.
func NewDHCPClientRunner(*logging.Logger) DHCPClientRunner { return unsupportedDHCP{} }

// NewDHCPServerRunner returns a runner that always fails off Linux.
func NewDHCPServerRunner(*logging.Logger) DHCPServerRunner { return unsupportedDHCPServer{} }

func (unsupportedDHCP) Start(string, func(DHCPLease)) error {
	return errors.New(errors.KindUnavailable, "dhcp client requires linux")
}
func (unsupportedDHCP) Stop(string) error { return nil }

type unsupportedDHCPServer struct{}

func (unsupportedDHCPServer) Start(string, DHCPServiceConfig) error {
	return errors.New(errors.KindUnavailable, "dhcp server requires linux")
}
func (unsupportedDHCPServer) Stop(string) error { return nil }
