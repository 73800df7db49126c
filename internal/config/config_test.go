package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30000, cfg.Deadline.DefaultMs)
	assert.Equal(t, 1000, cfg.Deadline.FloorMs)
	assert.Equal(t, 10000, cfg.Deadline.NetworkFloorMs)
	assert.Equal(t, 600000, cfg.Deadline.MaxMs)
	assert.Equal(t, 1<<20, cfg.Output.MaxLogBytes)
	assert.Equal(t, 2, cfg.Output.InspectDepth)
	assert.Equal(t, int64(10<<20), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, 16<<20, cfg.MaxLineBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.HistoryDB)
	assert.Empty(t, cfg.MetricsAddr)

	d := cfg.Deadlines()
	assert.Equal(t, time.Second, d.Floor)
	assert.Equal(t, 10*time.Second, d.NetworkFloor)
}

func TestLoadYAML(t *testing.T) {
	yamlContent := `
deadline:
  floor_ms: 250
  default_ms: 5000
output:
  max_log_bytes: 4096
  inspect_depth: -1
  mirror_logs: true
modules:
  roots: ["/opt/lib", "/srv/lib"]
env_allowlist: [HOME, lang]
tools_manifest: ./tools.json
history_db: /var/lib/snippetd/history.db
log_format: json
`
	yamlPath := filepath.Join(t.TempDir(), "snippetd.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlContent), 0o644))

	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 250, cfg.Deadline.FloorMs)
	assert.Equal(t, 5000, cfg.Deadline.DefaultMs)
	assert.Equal(t, 10000, cfg.Deadline.NetworkFloorMs, "unset keys keep defaults")
	assert.Equal(t, 4096, cfg.Output.MaxLogBytes)
	assert.Equal(t, -1, cfg.Output.InspectDepth)
	assert.True(t, cfg.Output.MirrorLogs)
	assert.Equal(t, []string{"/opt/lib", "/srv/lib"}, cfg.Modules.Roots)
	assert.Equal(t, []string{"HOME", "lang"}, cfg.EnvAllowlist)
	assert.Equal(t, "./tools.json", cfg.ToolsManifest)
	assert.Equal(t, "/var/lib/snippetd/history.db", cfg.HistoryDB)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadYAMLMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadYAMLInvalid(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("{{{{invalid yaml"), 0o644))

	_, err := Load(yamlPath)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "snippetd.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("deadline:\n  floor_ms: 250\nlog_level: warn\n"), 0o644))

	t.Setenv("SNIPPETD_DEADLINE_FLOOR_MS", "500")
	t.Setenv("SNIPPETD_MAX_LOG_BYTES", "2048")
	t.Setenv("SNIPPETD_MIRROR_LOGS", "true")
	t.Setenv("SNIPPETD_FETCH_MAX_BODY_BYTES", "1024")
	t.Setenv("SNIPPETD_MODULE_ROOTS", "/a"+string(os.PathListSeparator)+"/b")
	t.Setenv("SNIPPETD_ENV_ALLOWLIST", "PATH,HOME")
	t.Setenv("SNIPPETD_METRICS_ADDR", "127.0.0.1:9464")
	t.Setenv("SNIPPETD_LOG_LEVEL", "debug")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Deadline.FloorMs, "env beats file")
	assert.Equal(t, 2048, cfg.Output.MaxLogBytes)
	assert.True(t, cfg.Output.MirrorLogs)
	assert.Equal(t, int64(1024), cfg.Fetch.MaxBodyBytes)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Modules.Roots)
	assert.Equal(t, []string{"PATH", "HOME"}, cfg.EnvAllowlist)
	assert.Equal(t, "127.0.0.1:9464", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesInvalid(t *testing.T) {
	t.Setenv("SNIPPETD_DEADLINE_FLOOR_MS", "soon")
	t.Setenv("SNIPPETD_MIRROR_LOGS", "perhaps")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNIPPETD_DEADLINE_FLOOR_MS")
	assert.Contains(t, err.Error(), "SNIPPETD_MIRROR_LOGS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Deadline.FloorMs = 0
	cfg.Deadline.MaxMs = 10
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"floor_ms", "max_ms", "log_level", "log_format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	l, err := cfg.Logger(nil)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}
