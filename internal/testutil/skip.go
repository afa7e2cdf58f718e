// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"os"
	"testing"
)

// SkipNetworkEnv disables tests that bind loopback sockets.
const SkipNetworkEnv = "CONVSYNC_TEST_SKIP_NETWORK"

// SkipIfNoNetwork skips the test if CONVSYNC_TEST_SKIP_NETWORK is set.
// Use this for tests that start an httptest server or dial a websocket,
// which sandboxed environments may not allow.
func SkipIfNoNetwork(t testing.TB) {
	t.Helper()
	if os.Getenv(SkipNetworkEnv) != "" {
		t.Skip("skipping network test: " + SkipNetworkEnv + " is set")
	}
}
