package connmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/errors"
)

func TestServiceScore_WiFiMonotonic(t *testing.T) {
	prev := -1
	for rssi := WiFiMinRSSI; rssi <= WiFiMaxRSSI; rssi++ {
		score, err := ServiceScore(NetTypeWiFi, rssi)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, score, prev, "rssi %d", rssi)
		assert.LessOrEqual(t, score, WiFiMaxScore)
		prev = score
	}

	low, _ := ServiceScore(NetTypeWiFi, -120)
	high, _ := ServiceScore(NetTypeWiFi, -30)
	assert.Equal(t, WiFiBaseScore, low)
	assert.Equal(t, WiFiMaxScore, high)
}

func TestServiceScore_Types(t *testing.T) {
	eth, err := ServiceScore(NetTypeEthernet, 0)
	require.NoError(t, err)
	cell, err := ServiceScore(NetTypeCellular, 0)
	require.NoError(t, err)
	assert.Greater(t, eth, cell)

	_, err = ServiceScore(NetTypeUnknown, 0)
	assert.True(t, errors.Is(err, errors.ErrNoScoreForType))
	assert.Equal(t, errors.StatusNoScoreForType, errors.Code(err))
}

func TestRealScore(t *testing.T) {
	for _, score := range []int{0, 50, 70, WiFiMaxScore} {
		assert.Equal(t, score, RealScore(score, true))
		assert.Equal(t, score-NetValidScore, RealScore(score, false))
	}
}

func TestNetTypeParse(t *testing.T) {
	for i := NetTypeUnknown; i <= NetTypeVPN; i++ {
		got, err := ParseNetType(i.String())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	_, err := ParseNetType("satellite")
	assert.True(t, errors.Is(err, errors.ErrInvalidNetworkType))
	assert.False(t, NetType(42).Valid())
}

func TestCapabilities(t *testing.T) {
	c, err := ParseCapabilities("internet,not_vpn")
	require.NoError(t, err)
	assert.Equal(t, CapInternet|CapNotVPN, c)
	assert.Equal(t, "internet|not_vpn", c.String())
	assert.True(t, c.Has(CapInternet))
	assert.False(t, c.Has(CapInternet|CapMMS))
	assert.True(t, c.Has(0))

	_, err = ParseCapabilities("internet,teleport")
	assert.Error(t, err)
}
