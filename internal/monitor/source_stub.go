//go:build !linux

package monitor

import (
	"context"

	"grimm.is/netconn/internal/errors"
)

type unsupportedSource struct{}

// NewNetlinkSource returns a source that fails off Linux.
func NewNetlinkSource() Source {
	return unsupportedSource{}
}

func (unsupportedSource) List() ([]Update, error) {
	return nil, errors.New(errors.KindUnavailable, "link monitoring requires linux")
}

func (unsupportedSource) Subscribe(context.Context, chan<- Update) error {
	return errors.New(errors.KindUnavailable, "link monitoring requires linux")
}

// EthtoolSpeed is unknown off Linux.
func EthtoolSpeed(string) uint32 { return 0 }
