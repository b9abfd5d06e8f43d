package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > len(envPrefix) && e[:len(envPrefix)] == envPrefix {
			name, _, _ := cut(e, "=")
			os.Unsetenv(name)
		}
	}
}

func cut(s, sep string) (string, string, bool) {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return s[:i], s[i+len(sep):], true
		}
	}
	return s, "", false
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConcurrentExecutions)
	assert.Equal(t, 3600, cfg.ExecutionTimeoutSeconds)
	assert.Equal(t, TrackerFilesystem, cfg.IssueTrackerType)
	assert.Equal(t, DeploymentLocal, cfg.DeploymentMode)
}

func TestValidateRejectsGitHubWithoutToken(t *testing.T) {
	cfg := &Config{
		DatabaseURL:                    "postgres://x",
		IssueTrackerType:               TrackerGitHub,
		MaxConcurrentExecutions:        1,
		ExecutionTimeoutSeconds:        1,
		ManagementLoopIntervalSeconds:  1,
		WebhookDedupQuietPeriodSeconds: 0,
		EventBusMaxSize:                1,
		DeploymentMode:                 DeploymentLocal,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github_token")
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := &Config{
		DatabaseURL:                   "postgres://x",
		IssueTrackerType:              TrackerFilesystem,
		MaxConcurrentExecutions:       0,
		ExecutionTimeoutSeconds:       1,
		ManagementLoopIntervalSeconds: 1,
		EventBusMaxSize:               1,
		DeploymentMode:                DeploymentLocal,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_executions")
}
