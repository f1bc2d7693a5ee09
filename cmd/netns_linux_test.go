//go:build linux

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"

	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/netd"
	"grimm.is/netconn/internal/testutil"
)

func TestOpenNamespace_Current(t *testing.T) {
	ns, err := openNamespace("", logging.Discard())
	require.NoError(t, err)
	defer ns.Close()
	assert.Equal(t, 0, ns.NsFd)
	assert.Same(t, netd.DefaultNetlinker, ns.Netlinker)
}

func TestOpenNamespace_Named(t *testing.T) {
	testutil.RequireVM(t)
	const name = "netconn-test"
	defer netns.DeleteNamed(name)

	ns, err := openNamespace(name, logging.Discard())
	require.NoError(t, err)
	defer ns.Close()
	assert.Greater(t, ns.NsFd, 0)

	links, err := ns.Netlinker.LinkList()
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "lo", links[0].Attrs().Name)

	// Reopening finds the existing namespace.
	again, err := openNamespace(name, logging.Discard())
	require.NoError(t, err)
	again.Close()
}
