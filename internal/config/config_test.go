package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("sprout", pflag.ContinueOnError)
	fs.String("vault", ".", "")
	fs.String("log.level", "info", "")
	fs.Int("concurrency", 8, "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SPROUT_DATA_DIR", dir)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ".", cfg.Vault)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "sprout.db"), cfg.DBPath())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 0.7, cfg.Recovery.MinKeyRatio)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, 8, cfg.Concurrency)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	yaml := `vault: /notes
concurrency: 2
log:
  level: debug
  format: json
recovery:
  min_key_ratio: 0.9
watch:
  debounce: 2s
git:
  remote: git@github.com:me/notes.git
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte(yaml), 0o644))
	t.Setenv("SPROUT_DATA_DIR", dir)
	t.Setenv("SPROUT_LOG__LEVEL", "warn")
	t.Setenv("SPROUT_CONCURRENCY", "4")

	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--concurrency=16"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "/notes", cfg.Vault, "file over defaults; unchanged flag keeps file value")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "warn", cfg.Log.Level, "environment over file")
	assert.Equal(t, 16, cfg.Concurrency, "flag over environment")
	assert.Equal(t, 0.9, cfg.Recovery.MinKeyRatio)
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
	assert.Equal(t, "git@github.com:me/notes.git", cfg.Git.Remote)
}

func TestLoadExplicitFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SPROUT_DATA_DIR", dir)

	_, err := Load(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)

	path := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db: /var/lib/sprout.db\n"), 0o644))
	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sprout.db", cfg.DBPath())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad level", map[string]string{"SPROUT_LOG__LEVEL": "loud"}, "Config.Log.Level"},
		{"bad format", map[string]string{"SPROUT_LOG__FORMAT": "xml"}, "Config.Log.Format"},
		{"ratio above one", map[string]string{"SPROUT_RECOVERY__MIN_KEY_RATIO": "1.5"}, "Config.Recovery.MinKeyRatio"},
		{"zero concurrency", map[string]string{"SPROUT_CONCURRENCY": "0"}, "Config.Concurrency"},
		{"empty vault", map[string]string{"SPROUT_VAULT": ""}, "Config.Vault"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SPROUT_DATA_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("", nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMemoryDB(t *testing.T) {
	cfg := &Config{DataDir: "/data", DB: ":memory:"}
	assert.Equal(t, ":memory:", cfg.DBPath())
}
