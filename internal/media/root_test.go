package media

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/api/internal/apperr"
)

func TestFileResolvesUnderRoot(t *testing.T) {
	dir := t.TempDir()
	r := NewRoot(dir)

	got, err := r.File("uploads/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "uploads", "clip.mp4"), got)

	got, err = r.File("uploads/../clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), got)

	got, err = r.File(".")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestFileRejectsOutsideReferences(t *testing.T) {
	r := NewRoot(t.TempDir())

	for name, p := range map[string]string{
		"empty":          "",
		"absolute":       "/etc/passwd",
		"absolute dir":   "/etc/cron.d",
		"parent":         "..",
		"parent escape":  "../../etc/passwd",
		"nested escape":  "a/../../b",
		"file url":       "file:///etc/passwd",
		"backslash root": `\windows\system32`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := r.File(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestSource(t *testing.T) {
	dir := t.TempDir()
	r := NewRoot(dir)

	got, err := r.Source("https://cdn.example.com/slide.png")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/slide.png", got)

	got, err = r.Source("slides/1.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "slides", "1.png"), got)

	for _, ref := range []string{"file:///etc/passwd", "ftp://host/a.png", "http:///nohost", "/etc/passwd", "../secret.png"} {
		_, err := r.Source(ref)
		assert.ErrorIs(t, err, apperr.ErrValidation, ref)
	}
}
