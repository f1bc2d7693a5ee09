package connmgr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/errors"
	"grimm.is/netconn/internal/logging"
)

func TestRPC_Queries(t *testing.T) {
	h := newHarness(t)
	_, ethNet := h.connect(t, NetTypeEthernet, "eth0", true)
	_, vpnNet := h.connect(t, NetTypeVPN, "tun0", true)

	srv, err := NewRPCServer(h.svc, logging.Discard())
	require.NoError(t, err)
	c, err := DialWith(func() (net.Conn, error) {
		client, server := net.Pipe()
		go srv.ServeConn(server)
		return client, nil
	})
	require.NoError(t, err)
	defer c.Close()

	nets, err := c.Nets()
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, ethNet, nets[0].NetID)
	assert.Equal(t, NetTypeEthernet, nets[0].Type)
	assert.Equal(t, StateConnected, nets[0].State)
	assert.Equal(t, 70, nets[0].RealScore)
	assert.True(t, nets[0].Valid)
	assert.True(t, nets[0].Default)
	assert.False(t, nets[1].Default)
	assert.Equal(t, "eth0", nets[0].Link.Iface)

	def, err := c.GetDefaultNet()
	require.NoError(t, err)
	assert.Equal(t, ethNet, def)

	uidNet, err := c.GetSpecificUidNet(10001)
	require.NoError(t, err)
	assert.Equal(t, vpnNet, uidNet)

	require.NoError(t, c.NetDetection(ethNet))
	assert.Equal(t, []int32{ethNet}, h.v.triggered)

	err = c.NetDetection(4242)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network not found")
}

func TestRPC_DialFailure(t *testing.T) {
	_, err := DialWith(func() (net.Conn, error) {
		return nil, errors.New(errors.KindUnavailable, "connection refused")
	})
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))

	_, err = Dial("/nonexistent/netconn-manager.sock")
	assert.Error(t, err)
}
