// Package testutil holds helpers shared by tests that need a real kernel.
package testutil

import (
	"os"
	"testing"

	"grimm.is/netconn/internal/brand"
)

// RequireVM skips the test unless NETCONN_VM_TEST is set. Tests that create
// namespaces, links or nftables tables run only in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv(brand.ConfigEnvPrefix+"_VM_TEST") == "" {
		t.Skip("Skipping test: requires " + brand.ConfigEnvPrefix + "_VM_TEST environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
