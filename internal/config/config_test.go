package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 1, cfg.MaxConcurrent)
	assert.Equal(t, ".twitcasting.tv", cfg.CookieDomain)
	assert.Equal(t, "yt-dlp", cfg.YtdlpPath)
	assert.True(t, cfg.Headless)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().PollInterval, cfg.PollInterval)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
poll_interval: 15s
max_concurrent: 3
targets:
  - someuser
  - g:117941784
auth_dir: /var/lib/castmon/auth
headless: false
wizard_timeout: 2m
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, []string{"someuser", "g:117941784"}, cfg.Targets)
	assert.Equal(t, "/var/lib/castmon/auth", cfg.AuthDir)
	assert.False(t, cfg.Headless)
	assert.Equal(t, 2*time.Minute, cfg.WizardTimeout.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, 20*time.Second, cfg.ProbeTimeout.Std())
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "poll_interval": "45s",
  "max_concurrent": 2,
  "recordings_dir": "/srv/recordings"
}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "/srv/recordings", cfg.RecordingsDir)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval: soon\n"), 0644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid duration")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASTMON_POLL_INTERVAL", "5s")
	t.Setenv("CASTMON_MAX_CONCURRENT", "4")
	t.Setenv("CASTMON_TARGETS", "alpha, beta ,")
	t.Setenv("CASTMON_HEADLESS", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Targets)
	assert.False(t, cfg.Headless)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrent = 0
	assert.ErrorContains(t, cfg.Validate(), "max_concurrent")

	cfg = Default()
	cfg.MaxConcurrent = 11
	assert.ErrorContains(t, cfg.Validate(), "max_concurrent")

	cfg = Default()
	cfg.PollInterval = 0
	assert.ErrorContains(t, cfg.Validate(), "poll_interval")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	orig := Default()
	orig.PollInterval = Duration(42 * time.Second)
	orig.Targets = []string{"someuser"}
	require.NoError(t, orig.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, orig.PollInterval, loaded.PollInterval)
	assert.Equal(t, orig.Targets, loaded.Targets)
}

func TestLoadTargets(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}

	assert.Equal(t, []string{"a", "b"}, LoadTargets(write("wrapped.json", `{"targets":["a","b"]}`)))
	assert.Equal(t, []string{"u"}, LoadTargets(write("urls.json", `{"urls":["u"]}`)))
	assert.Equal(t, []string{"x"}, LoadTargets(write("bare.json", `["x"]`)))
	assert.Nil(t, LoadTargets(write("corrupt.json", `{not json`)))
	assert.Nil(t, LoadTargets(filepath.Join(dir, "missing.json")))
}
