package testutil

import (
	"os"
	"testing"
)

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireEnv returns the value of an environment variable, skipping the test
// when it is unset. Live database tests read their DSNs this way.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}
