package brand

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.Equal(t, "netconn", b.LowerName)
	assert.NotEmpty(t, Name)
	assert.NotEmpty(t, Version)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, Name+"/1.0.0", UserAgent("1.0.0"))
	assert.Equal(t, Name+"/dev", UserAgent(""))
}

func TestDirectories(t *testing.T) {
	for _, k := range []string{"_PREFIX", "_CONFIG_DIR", "_STATE_DIR", "_RUN_DIR"} {
		t.Setenv(ConfigEnvPrefix+k, "")
	}

	assert.Equal(t, DefaultConfigDir, GetConfigDir())
	assert.Equal(t, DefaultStateDir, GetStateDir())
	assert.Equal(t, filepath.Join(DefaultRunDir, "netconn-netd.sock"), GetSocketPath())

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/nc")
	assert.Equal(t, "/opt/nc/state", GetStateDir())
	assert.Equal(t, filepath.Join("/opt/nc/state", StatsDirName), GetStatsDir())
	assert.Equal(t, "/opt/nc/config/netconn.hcl", GetConfigPath())

	t.Setenv(ConfigEnvPrefix+"_RUN_DIR", "/tmp/run")
	assert.Equal(t, "/tmp/run/netconn-netd.sock", GetSocketPath())
	assert.Equal(t, "/tmp/run/netconn-manager.sock", GetManagerSocketPath())
}
