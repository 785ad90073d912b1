package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.RetryBaseDelay)
	assert.Equal(t, time.Minute, cfg.Queue.RetryMaxDelay)
	assert.Equal(t, "ffmpeg", cfg.Transcoder.FFmpegPath)
	assert.Equal(t, 5*time.Second, cfg.Transcoder.KillGrace)
	assert.Equal(t, "local", cfg.Storage.Driver)
	assert.Equal(t, "./data/media", cfg.Render.MediaRoot)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
	assert.False(t, cfg.AMQP.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reelforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  max_concurrent: 6
  retry_base_delay: 0s
storage:
  driver: s3
  s3:
    bucket_name: renders
    use_path_style: true
`), 0o644))

	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("MEDIA_ROOT", "/srv/media")
	secret := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secret, []byte("s3cr3t\n"), 0o600))
	t.Setenv("S3_SECRET_ACCESS_KEY", "")
	t.Setenv("S3_SECRET_ACCESS_KEY_FILE", secret)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Zero(t, cfg.Queue.RetryBaseDelay)
	assert.Equal(t, "s3", cfg.Storage.Driver)
	assert.Equal(t, "renders", cfg.Storage.S3.BucketName)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	assert.Equal(t, "s3cr3t", cfg.Storage.S3.SecretAccessKey)
	assert.Equal(t, "/srv/media", cfg.Render.MediaRoot)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
