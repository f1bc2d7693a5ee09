//go:build !linux

package netd

import "grimm.is/netconn/internal/errors"

// NewAccounting fails off Linux; per-uid accounting needs nftables.
func NewAccounting(int) (Accounting, error) {
	return nil, errors.New(errors.KindUnavailable, "per-uid accounting requires linux")
}
