package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdm-project/vdm/internal/storage"
)

func TestCreateOrGetFile(t *testing.T) {
	t.Run("fresh file truncates", func(t *testing.T) {
		dir := t.TempDir()

		s, err := storage.NewOSStorage(dir)
		require.NoError(t, err)

		h, shouldAppend, err := s.CreateOrGetFile("out.bin", "video/mp4", false, 0)
		require.NoError(t, err)
		assert.False(t, shouldAppend)

		w, err := h.OpenWriter(false)
		require.NoError(t, err)
		_, err = w.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		length, err := h.Length()
		require.NoError(t, err)
		assert.Equal(t, int64(5), length)
		assert.Equal(t, filepath.Join(dir, "out.bin"), h.Path())
	})

	t.Run("resume appends to partial file", func(t *testing.T) {
		dir := t.TempDir()

		s, err := storage.NewOSStorage(dir)
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "out.bin"), []byte("part"), 0o644))

		h, shouldAppend, err := s.CreateOrGetFile("out.bin", "video/mp4", true, 4)
		require.NoError(t, err)
		require.True(t, shouldAppend)

		w, err := h.OpenWriter(true)
		require.NoError(t, err)
		_, err = w.Write([]byte("ial"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(h.Path())
		require.NoError(t, err)
		assert.Equal(t, "partial", string(data))
	})

	t.Run("resume without partial file starts fresh", func(t *testing.T) {
		s, err := storage.NewOSStorage(t.TempDir())
		require.NoError(t, err)

		_, shouldAppend, err := s.CreateOrGetFile("missing.bin", "video/mp4", true, 4000)
		require.NoError(t, err)
		assert.False(t, shouldAppend)
	})

	t.Run("file name is sanitized", func(t *testing.T) {
		dir := t.TempDir()

		s, err := storage.NewOSStorage(dir)
		require.NoError(t, err)

		h, _, err := s.CreateOrGetFile("a/b:c.bin", "video/mp4", false, 0)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "a_b_c.bin"), h.Path())
	})
}

func TestLengthAndRemove(t *testing.T) {
	dir := t.TempDir()

	s, err := storage.NewOSStorage(dir)
	require.NoError(t, err)

	assert.Equal(t, int64(0), s.Length("nope.bin"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), []byte("12345"), 0o644))
	assert.Equal(t, int64(5), s.Length("f.bin"))

	require.NoError(t, s.Remove("f.bin"))
	assert.Equal(t, int64(0), s.Length("f.bin"))

	// Removing a missing file is not an error.
	assert.NoError(t, s.Remove("f.bin"))
}
