package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ResearchWriter/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(configPathEnv, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Session.MaxRevisionRounds)
	assert.Equal(t, 1, cfg.Session.Reviewers)
	assert.Equal(t, "sqlite", cfg.Bibliography.Driver)
	assert.Len(t, cfg.Budgets, 3)

	high, err := cfg.Profile(domain.BudgetHigh)
	require.NoError(t, err)
	assert.False(t, high.AcceptIncomplete)
	assert.Equal(t, cfg.Provider.Model, high.Model)

	low, err := cfg.Profile(domain.BudgetLow)
	require.NoError(t, err)
	assert.True(t, low.AcceptIncomplete)
	assert.Less(t, low.CitationTarget, high.CitationTarget)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
session:
  maxRevisionRounds: 5
  reviewers: 3
  aggregation: majority
  timeout: 45m
provider:
  kind: gemini
  model: gemini-2.0-flash
budgets:
  high:
    draftTemperature: 0.4
    citationTarget: 20
    maxIterations: 30
discovery:
  sources:
    - name: mirror
      scanner: arxiv
      endpoint: http://localhost:8080/search
`)
	t.Setenv(apiKeyEnv, "secret")
	t.Setenv(modelEnv, "gemini-2.5-pro")
	t.Setenv(bibliographyEnv, "postgres://u:p@localhost/bib")
	t.Setenv(telegramChatIDEnv, "42")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Session.MaxRevisionRounds)
	assert.Equal(t, 3, cfg.Session.Reviewers)
	assert.Equal(t, "majority", cfg.Session.Aggregation)
	assert.Equal(t, 45*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Session.ReviewTimeout, "unset fields keep defaults")

	assert.Equal(t, ProviderGemini, cfg.Provider.Kind)
	assert.Equal(t, "gemini-2.5-pro", cfg.Provider.Model)
	assert.Equal(t, "secret", cfg.Provider.APIKey)
	assert.Equal(t, "postgres", cfg.Bibliography.Driver)
	assert.Equal(t, "42", cfg.Notifications.Telegram.ChatID)

	require.Len(t, cfg.Discovery.Sources, 1)
	assert.Equal(t, "mirror", cfg.Discovery.Sources[0].Name)

	high, err := cfg.Profile(domain.BudgetHigh)
	require.NoError(t, err)
	assert.Equal(t, 20, high.CitationTarget)
	_, err = cfg.Profile(domain.BudgetLow)
	assert.NoError(t, err, "profiles missing from the file fall back to defaults")
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"bad budget":      "session:\n  budget: extreme\n",
		"zero rounds":     "session:\n  maxRevisionRounds: 0\n",
		"bad provider":    "provider:\n  kind: carrier-pigeon\n",
		"bad aggregation": "session:\n  aggregation: dictator\n",
		"malformed yaml":  "session: [",
		"hot reviewers":   "session:\n  reviewTemperature: 0.65\n",
		"cold drafter":    "budgets:\n  low:\n    draftTemperature: 0.1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateKeepsReviewersCoolerThanDrafters(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Session.ReviewTemperature = 0.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "budgets.high.draftTemperature")
	assert.NotContains(t, err.Error(), "budgets.balanced")
}
