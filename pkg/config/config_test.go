package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	Setup(v, "")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "turnstore.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.False(t, cfg.Log.WithCaller)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite3
  path: /var/lib/turnstore/chat.db
log:
  level: debug
  format: text
  with_caller: true
`), 0o644))

	t.Setenv("TURNSTORE_LOG_LEVEL", "warn")

	v := viper.New()
	Setup(v, path)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/turnstore/chat.db", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.Log.Level, "environment wins over file")
	assert.Equal(t, "text", cfg.Log.Format)
	assert.True(t, cfg.Log.WithCaller)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"sqlite path", Config{Database: Database{Driver: "sqlite3", Path: "a.db"}, Log: Log{Format: "json"}}, true},
		{"sqlite nothing", Config{Database: Database{Driver: "sqlite3"}, Log: Log{Format: "json"}}, false},
		{"postgres dsn", Config{Database: Database{Driver: "postgres", DSN: "postgres://localhost/x"}, Log: Log{Format: "text"}}, true},
		{"postgres no dsn", Config{Database: Database{Driver: "postgres"}, Log: Log{Format: "text"}}, false},
		{"mysql", Config{Database: Database{Driver: "mysql", DSN: "x"}, Log: Log{Format: "json"}}, false},
		{"bad format", Config{Database: Database{Driver: "sqlite3", Path: "a.db"}, Log: Log{Format: "xml"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
