package logging

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{})
	assert.Error(t, err)
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, sevError, severityOf([]byte("2024-01-01T00:00:00Z netconn[1]: [error] netd: boom")))
	assert.Equal(t, sevWarn, severityOf([]byte(`{"time":"x","level":"WARN","msg":"m"}`)))
	assert.Equal(t, sevNotice, severityOf([]byte("netconn[1]: [audit] start")))
	assert.Equal(t, sevDebug, severityOf([]byte("netconn[1]: [debug] x")))
	assert.Equal(t, sevInfo, severityOf([]byte("netconn[1]: [info] x")))
}

func TestSyslogWriter_UDP(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	w, err := NewSyslogWriter(SyslogConfig{Host: "127.0.0.1", Port: port, Tag: "netconn-test", Facility: 3})
	require.NoError(t, err)
	defer w.Close()

	logger := New(Config{Level: LevelDebug, Output: w})
	logger.WithComponent("netd").Warn("link flapping", "iface", "eth0")

	buf := make([]byte, 2048)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	msg := string(buf[:n])

	// facility 3 (daemon) * 8 + warning
	assert.True(t, strings.HasPrefix(msg, "<28>"), msg)
	assert.Contains(t, msg, "netconn-test[")
	assert.Contains(t, msg, "netd: link flapping iface=eth0")
	assert.False(t, strings.HasSuffix(msg, "\n"))
}
