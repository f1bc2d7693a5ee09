package netd

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/errors"
)

func testPool(t *testing.T) *leasePool {
	t.Helper()
	pool, err := newLeasePool(DHCPServiceConfig{
		ServerAddr: netip.MustParsePrefix("192.168.43.1/24"),
		RangeStart: netip.MustParseAddr("192.168.43.10"),
		RangeEnd:   netip.MustParseAddr("192.168.43.12"),
		LeaseTime:  time.Hour,
	})
	require.NoError(t, err)
	return pool
}

func dora(t *testing.T, pool *leasePool, mac net.HardwareAddr) *dhcpv4.DHCPv4 {
	t.Helper()
	disc, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	offer, err := pool.reply(disc)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())

	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	ack, err := pool.reply(req)
	require.NoError(t, err)
	require.NotNil(t, ack)
	return ack
}

func TestLeasePool_DORA(t *testing.T) {
	pool := testPool(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	ack := dora(t, pool, net.HardwareAddr{0, 1, 2, 3, 4, 5})
	assert.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())

	lease, err := leaseFromACK("ap0", ack, now)
	require.NoError(t, err)
	assert.Equal(t, "192.168.43.10/24", lease.Address.String())
	assert.Equal(t, netip.MustParseAddr("192.168.43.1"), lease.Router)
	assert.Equal(t, netip.MustParseAddr("192.168.43.1"), lease.ServerID)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.43.1")}, lease.DNS)
	assert.Equal(t, time.Hour, lease.LeaseTime)
	assert.Equal(t, now, lease.ObtainedAt)

	// Same client keeps its address.
	again := dora(t, pool, net.HardwareAddr{0, 1, 2, 3, 4, 5})
	assert.Equal(t, "192.168.43.10", again.YourIPAddr.String())

	second := dora(t, pool, net.HardwareAddr{0, 1, 2, 3, 4, 6})
	assert.Equal(t, "192.168.43.11", second.YourIPAddr.String())
}

func TestLeasePool_Exhaustion(t *testing.T) {
	pool := testPool(t)
	for i := byte(0); i < 3; i++ {
		dora(t, pool, net.HardwareAddr{0, 0, 0, 0, 0, i})
	}

	disc, err := dhcpv4.NewDiscovery(net.HardwareAddr{0, 0, 0, 0, 0, 9})
	require.NoError(t, err)
	_, err = pool.reply(disc)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))

	release, err := dhcpv4.New(
		dhcpv4.WithHwAddr(net.HardwareAddr{0, 0, 0, 0, 0, 1}),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRelease),
	)
	require.NoError(t, err)
	reply, err := pool.reply(release)
	require.NoError(t, err)
	assert.Nil(t, reply)

	ack := dora(t, pool, net.HardwareAddr{0, 0, 0, 0, 0, 9})
	assert.Equal(t, "192.168.43.11", ack.YourIPAddr.String())
}

func TestLeasePool_RequestHandling(t *testing.T) {
	pool := testPool(t)
	mac := net.HardwareAddr{0, 1, 2, 3, 4, 5}

	disc, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	offer, err := pool.reply(disc)
	require.NoError(t, err)

	t.Run("OtherServer", func(t *testing.T) {
		req, err := dhcpv4.NewRequestFromOffer(offer,
			dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IPv4(192, 168, 43, 254))))
		require.NoError(t, err)
		reply, err := pool.reply(req)
		require.NoError(t, err)
		assert.Nil(t, reply)
	})

	t.Run("WrongAddress", func(t *testing.T) {
		dora(t, pool, mac)
		req, err := dhcpv4.NewRequestFromOffer(offer,
			dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IPv4(192, 168, 43, 12))))
		require.NoError(t, err)
		nak, err := pool.reply(req)
		require.NoError(t, err)
		require.NotNil(t, nak)
		assert.Equal(t, dhcpv4.MessageTypeNak, nak.MessageType())
	})
}

func TestNewLeasePool_Validation(t *testing.T) {
	server := netip.MustParsePrefix("192.168.43.1/24")
	cases := map[string]DHCPServiceConfig{
		"no server": {
			RangeStart: netip.MustParseAddr("192.168.43.10"),
			RangeEnd:   netip.MustParseAddr("192.168.43.20"),
		},
		"inverted": {
			ServerAddr: server,
			RangeStart: netip.MustParseAddr("192.168.43.20"),
			RangeEnd:   netip.MustParseAddr("192.168.43.10"),
		},
		"outside subnet": {
			ServerAddr: server,
			RangeStart: netip.MustParseAddr("192.168.43.10"),
			RangeEnd:   netip.MustParseAddr("192.168.44.10"),
		},
	}
	for name, cfg := range cases {
		_, err := newLeasePool(cfg)
		assert.Equal(t, errors.KindValidation, errors.GetKind(err), name)
	}
}

func TestLeaseFromACK_NoAddress(t *testing.T) {
	ack, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
	require.NoError(t, err)
	_, err = leaseFromACK("wlan0", ack, time.Now())
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))
}
