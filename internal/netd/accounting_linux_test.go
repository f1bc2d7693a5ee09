//go:build linux

package netd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/testutil"
)

func TestNFTAccounting_Counters(t *testing.T) {
	testutil.RequireVM(t)

	acct, err := NewAccounting(0)
	require.NoError(t, err)
	defer acct.Close()

	// The first query installs the counters; nothing has matched yet.
	ts, err := acct.Counters(65534, "lo")
	require.NoError(t, err)
	assert.Equal(t, TrafficStats{}, ts)

	ts, err = acct.Counters(65534, "lo")
	require.NoError(t, err)
	assert.Zero(t, ts.TxBytes)
}
