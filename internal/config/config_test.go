package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"planesync/internal/cache"
	"planesync/internal/utils"
)

var configEnvVars = []string{
	"PLANE_BASE_URL", "PLANE_API_KEY", "PLANE_WORKSPACE", "PLANE_WORKSPACE_SLUG", "MY_EMAIL",
	EnvPrefix + "PLANE_BASE_URL", EnvPrefix + "PLANE_API_KEY", EnvPrefix + "PLANE_WORKSPACE_SLUG",
	EnvPrefix + "USER_EMAIL", EnvPrefix + "CACHE_DIR", EnvPrefix + "LOG_LEVEL", EnvPrefix + "LOG_FILE",
	EnvPrefix + "TEMPLATE_DIR", EnvPrefix + "OUTPUT", EnvPrefix + "HISTORY_PATH",
	EnvPrefix + "CACHE_ENABLED", EnvPrefix + "HISTORY_ENABLED", EnvPrefix + "REQUESTS_PER_MINUTE",
}

// isolate points the global dir at a temp dir and unsets every variable Load
// reads. Original values are restored when the test ends.
func isolate(t *testing.T) (home, project string) {
	t.Helper()
	for _, k := range configEnvVars {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	home = filepath.Join(t.TempDir(), "home")
	project = filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(project, 0755))
	t.Setenv(EnvPrefix+"HOME", home)
	return home, project
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// =============================================================================
// Loading and precedence
// =============================================================================

func TestLoadDefaults(t *testing.T) {
	home, project := isolate(t)

	cfg, err := Load(LoadOptions{ProjectDir: project})
	require.NoError(t, err)

	assert.Empty(t, cfg.Sources)
	assert.Equal(t, "https://api.plane.so", cfg.Plane.BaseURL)
	assert.Equal(t, 20, cfg.Sync.Limit)
	assert.Equal(t, "ai-context", cfg.Sync.Template)
	assert.Equal(t, "plane.md", cfg.Sync.Output)
	assert.Equal(t, "desc", cfg.Sync.Order)
	assert.Equal(t, filepath.Join(home, "cache"), cfg.Cache.Dir)
	assert.Equal(t, filepath.Join(home, "history.db"), cfg.History.Path)
	assert.True(t, cfg.IsCacheEnabled())
	assert.True(t, cfg.IsHistoryEnabled())
	assert.Equal(t, 90, cfg.GetHistoryRetentionDays())
	assert.Zero(t, cfg.UpdatedSince())
}

func TestLoadPrecedence(t *testing.T) {
	home, project := isolate(t)

	writeFile(t, filepath.Join(home, GlobalConfigFile), `
plane:
  base_url: "https://global.example.com"
  api_key: "global-key"
  workspace_slug: "global-ws"
user:
  email: "global@example.com"
sync:
  limit: 50
  template: brief
cache:
  ttl:
    project_issues: "10m"
    project_meta: "3h"
`)
	writeFile(t, filepath.Join(project, ProjectConfigFile), `
plane:
  workspace_slug: "project-ws"
sync:
  limit: 5
cache:
  ttl:
    project_issues: "2m"
`)
	t.Setenv("PLANE_API_KEY", "env-key")

	cfg, err := Load(LoadOptions{ProjectDir: project})
	require.NoError(t, err)

	assert.Equal(t, "https://global.example.com", cfg.Plane.BaseURL, "global overrides default")
	assert.Equal(t, "project-ws", cfg.Plane.WorkspaceSlug, "project overrides global")
	assert.Equal(t, "env-key", cfg.Plane.APIKey, "env overrides files")
	assert.Equal(t, 5, cfg.Sync.Limit)
	assert.Equal(t, "brief", cfg.Sync.Template, "unset project keys keep global values")
	assert.Equal(t, "desc", cfg.Sync.Order, "unset keys keep defaults")
	assert.Len(t, cfg.Sources, 2)

	ttls, err := cfg.CacheTTLs()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, ttls[cache.ProjectIssues])
	assert.Equal(t, 3*time.Hour, ttls[cache.ProjectMeta])
}

func TestLoadCustomConfigPath(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(home, GlobalConfigFile), "sync:\n  limit: 50\n")
	custom := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, custom, "sync:\n  limit: 7\n")

	cfg, err := Load(LoadOptions{ConfigPath: custom, ProjectDir: project})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sync.Limit)
	assert.Equal(t, []string{custom}, cfg.Sources)
}

func TestLoadEnvFile(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, EnvFile), `PLANE_BASE_URL="https://env-file.example.com"
PLANE_API_KEY="file-key"
PLANE_WORKSPACE="file-ws"
MY_EMAIL="me@example.com"
`)

	cfg, err := Load(LoadOptions{ProjectDir: project})
	require.NoError(t, err)
	assert.Equal(t, "https://env-file.example.com", cfg.Plane.BaseURL)
	assert.Equal(t, "file-key", cfg.Plane.APIKey)
	assert.Equal(t, "file-ws", cfg.Plane.WorkspaceSlug)
	assert.Equal(t, "me@example.com", cfg.User.Email)
	assert.NoError(t, cfg.Validate())
}

func TestLoadSkipEnvFile(t *testing.T) {
	_, project := isolate(t)
	writeFile(t, filepath.Join(project, EnvFile), "PLANE_API_KEY=file-key\n")

	cfg, err := Load(LoadOptions{ProjectDir: project, SkipEnvFile: true})
	require.NoError(t, err)
	assert.Empty(t, cfg.Plane.APIKey)
}

func TestEnvOverrides(t *testing.T) {
	_, project := isolate(t)
	t.Setenv("PLANE_WORKSPACE", "plain")
	t.Setenv("PLANE_WORKSPACE_SLUG", "slug")
	t.Setenv(EnvPrefix+"CACHE_DIR", "/tmp/planesync-cache")
	t.Setenv(EnvPrefix+"CACHE_ENABLED", "no")
	t.Setenv(EnvPrefix+"HISTORY_ENABLED", "off")
	t.Setenv(EnvPrefix+"LOG_LEVEL", "DEBUG")
	t.Setenv(EnvPrefix+"REQUESTS_PER_MINUTE", "12")

	cfg, err := Load(LoadOptions{ProjectDir: project})
	require.NoError(t, err)
	assert.Equal(t, "slug", cfg.Plane.WorkspaceSlug)
	assert.Equal(t, "/tmp/planesync-cache", cfg.Cache.Dir)
	assert.False(t, cfg.IsCacheEnabled())
	assert.False(t, cfg.IsHistoryEnabled())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Plane.RequestsPerMinute)
}

func TestLoadInvalidYAML(t *testing.T) {
	home, project := isolate(t)
	writeFile(t, filepath.Join(home, GlobalConfigFile), "plane: [unclosed\n")

	_, err := Load(LoadOptions{ProjectDir: project})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("PLANESYNC_TEST_DIR", "/srv/data")

	assert.Equal(t, filepath.Join(home, "cache"), ExpandPath("~/cache"))
	assert.Equal(t, "/srv/data/x", ExpandPath("$PLANESYNC_TEST_DIR/x"))
	assert.Equal(t, "", ExpandPath(""))
}

// =============================================================================
// Validation
// =============================================================================

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Plane.APIKey = "key"
	cfg.Plane.WorkspaceSlug = "acme"
	return cfg
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Plane.BaseURL = "not a url"
	cfg.Plane.APIKey = ""
	cfg.User.Email = "nobody"
	cfg.Sync.Order = "sideways"
	cfg.Sync.UpdatedSince = "a while"
	cfg.Logging.Level = "loud"
	cfg.Cache.TTL = map[string]string{"bogus": "1h"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "plane.base_url must be a valid URL")
	assert.Contains(t, msg, "plane.api_key is required")
	assert.Contains(t, msg, "user.email must be a valid email")
	assert.Contains(t, msg, "sync.order must be one of: asc desc")
	assert.Contains(t, msg, `sync.updated_since: invalid duration "a while"`)
	assert.Contains(t, msg, "logging.level must be one of")
	assert.Contains(t, msg, "cache.ttl.bogus")
	assert.NotEmpty(t, utils.SuggestionFor(err))
}

func TestCacheTTLs(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.TTL = map[string]string{"project-issues": "1d", "workspace_data.json": "90m"}

	ttls, err := cfg.CacheTTLs()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttls[cache.ProjectIssues])
	assert.Equal(t, 90*time.Minute, ttls[cache.WorkspaceData])

	cfg.Cache.TTL = map[string]string{"project_meta": "soon"}
	_, err = cfg.CacheTTLs()
	assert.Error(t, err)
}

func TestCacheOptions(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Dir = "/tmp/c"
	cfg.Cache.StrictPersistence = true

	opts, err := cfg.CacheOptions()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/c", opts.Dir)
	assert.Equal(t, cache.PersistStrict, opts.Policy)
}

func TestPlaneClientConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Plane.RetryDelay = "250ms"
	cfg.Plane.Timeout = "bogus"

	pc := cfg.PlaneClientConfig()
	assert.Equal(t, "key", pc.APIKey)
	assert.Equal(t, "acme", pc.WorkspaceSlug)
	assert.Equal(t, 250*time.Millisecond, pc.RetryDelay)
	assert.Equal(t, 30*time.Second, pc.Timeout)
	assert.Equal(t, 60, pc.RequestsPerMinute)
}

func TestUpdatedSince(t *testing.T) {
	cfg := validConfig()
	cfg.Sync.UpdatedSince = "7d"
	assert.Equal(t, 7*24*time.Hour, cfg.UpdatedSince())
}

// =============================================================================
// Output helpers
// =============================================================================

func TestRedacted(t *testing.T) {
	cfg := validConfig()
	cfg.Plane.APIKey = "plane_api_1234567890abcd"

	red := cfg.Redacted()
	assert.Equal(t, "********abcd", red.Plane.APIKey)
	assert.Equal(t, "plane_api_1234567890abcd", cfg.Plane.APIKey, "original untouched")

	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abc"))

	out, err := red.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "workspace_slug: acme")
	assert.NotContains(t, out, "1234567890")
}

func TestSampleConfig(t *testing.T) {
	content := GetSampleConfig()
	require.NotEmpty(t, content)

	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(content), &cfg), "sample must be valid YAML for Config")
	assert.Equal(t, "ai-context", cfg.Sync.Template)

	ttls, err := cfg.CacheTTLs()
	require.NoError(t, err)
	assert.Len(t, ttls, 3)
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteSample(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, GetSampleConfig(), string(data))

	assert.Error(t, WriteSample(path, false), "existing file is kept")
	assert.NoError(t, WriteSample(path, true))
}
