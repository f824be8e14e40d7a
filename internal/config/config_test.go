package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/csagent/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 30*time.Minute, cfg.SessionCacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.SessionIdleTTL)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, 3, cfg.ToolMaxRetries)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CSA_HTTP_PORT", "9191")
	t.Setenv("CSA_TOOL_MAX_RETRIES", "5")
	t.Setenv("CSA_SESSION_IDLE_TTL", "1h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.HTTPPort)
	assert.Equal(t, 5, cfg.ToolMaxRetries)
	assert.Equal(t, time.Hour, cfg.SessionIdleTTL)
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CSA_LLM_MODE=mock\nCSA_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("CSA_LLM_MODE", "")
	os.Unsetenv("CSA_LLM_MODE")
	t.Setenv("CSA_LOG_LEVEL", "")
	os.Unsetenv("CSA_LOG_LEVEL")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mock", cfg.LLMMode)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CSA_CACHE_BACKEND", "memcached")

	_, err := Load("")
	assert.Error(t, err)
}

func TestDefaultCatalog(t *testing.T) {
	cat, err := LoadCatalog("")
	require.NoError(t, err)

	assert.Equal(t, "generalist", cat.Generalist)
	assert.Equal(t, 0.5, cat.Routing.KeywordConfidenceFloor)
	assert.Equal(t, domain.PolicyNeverApprove, cat.Policy["customer.delete"])
	assert.Equal(t, domain.PolicyRequireApproval, cat.Policy["email.send"])

	risk, ok := cat.Specialist("risk")
	require.True(t, ok)
	assert.Contains(t, risk.RoutingKeywords, "health score")
	assert.True(t, risk.Allows("health.score"))
	assert.False(t, risk.Allows("customer.delete"))
	assert.Contains(t, cat.Customers, "acme")
}

func TestParseCatalogExpandsEnv(t *testing.T) {
	t.Setenv("GENERALIST_ID", "helper")
	cat, err := ParseCatalog([]byte(`
generalist: ${GENERALIST_ID}
specialists:
  - id: helper
    description: fallback
`))
	require.NoError(t, err)
	assert.Equal(t, "helper", cat.Generalist)
	assert.Equal(t, 3, cat.Routing.MaxHandoffs)
}

func TestParseCatalogValidation(t *testing.T) {
	cases := map[string]string{
		"missing generalist": `
specialists:
  - id: risk
`,
		"duplicate id": `
generalist: a
specialists:
  - id: a
  - id: a
`,
		"bad policy class": `
generalist: a
specialists:
  - id: a
policy:
  email.send: sometimes
`,
		"bad predicate op": `
generalist: a
specialists:
  - id: a
    context_predicates:
      - field: health_score
        op: between
        value: 1
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPolicyTableOverridesDeclared(t *testing.T) {
	cat := &Catalog{Policy: map[string]domain.PolicyClass{"email.send": domain.PolicyNeverApprove}}
	table := cat.PolicyTable(map[string]domain.PolicyClass{
		"email.send":      domain.PolicyRequireApproval,
		"customer.lookup": domain.PolicyAutoApprove,
	})
	assert.Equal(t, domain.PolicyNeverApprove, table["email.send"])
	assert.Equal(t, domain.PolicyAutoApprove, table["customer.lookup"])
}
