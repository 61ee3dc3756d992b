package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Running.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Sync.MaxUpdatesPerSec)
	assert.Equal(t, 300*time.Millisecond, cfg.Sync.PersistDelay)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 9000
store:
  driver: mongo
mongo:
  uri: mongodb://db:27017
auth:
  secret: s3cr3t
sync:
  persistDelay: 1s
  maxUpdatesPerSec: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "syncConfig.yaml"), []byte(yaml), 0o644))
	t.Setenv("SYNC_RUNNING_PORT", "9100")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, time.Second, cfg.Sync.PersistDelay)
	assert.Equal(t, 10, cfg.Sync.MaxUpdatesPerSec)
}

func TestLoad_Rejects(t *testing.T) {
	t.Setenv("SYNC_STORE_DRIVER", "postgres")
	_, err := Load(t.TempDir())
	require.Error(t, err)

	t.Setenv("SYNC_STORE_DRIVER", "mysql")
	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "mysql.dsn")
}

func TestLoad_RequiresSecretForPersistentStore(t *testing.T) {
	t.Setenv("SYNC_STORE_DRIVER", "mongo")
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "auth.secret")

	t.Setenv("SYNC_AUTH_SECRET", DevSecret)
	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "auth.secret")

	t.Setenv("SYNC_AUTH_SECRET", "s3cr3t")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", cfg.Auth.Secret)

	t.Setenv("SYNC_STORE_DRIVER", "memory")
	t.Setenv("SYNC_AUTH_SECRET", "")
	_, err = Load(t.TempDir())
	assert.NoError(t, err)
}
