// Package testutil holds helpers shared by tenantstore tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv opts in to container-backed tests on CI.
const IntegrationEnv = "TENANTSTORE_INTEGRATION"

// RequireIntegration skips container-backed tests in short mode, and on CI unless
// TENANTSTORE_INTEGRATION is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv(IntegrationEnv) == "" && os.Getenv("CI") != "" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}
