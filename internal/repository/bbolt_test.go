package repository_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/repository"
	"github.com/vdm-project/vdm/internal/status"
)

func newTestRepo(t *testing.T) *repository.BboltRepository {
	t.Helper()

	repo, err := repository.NewBboltRepository(filepath.Join(t.TempDir(), "vdm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSaveAndFind(t *testing.T) {
	repo := newTestRepo(t)

	rec := record.New("d1", "media-1", "https://example.com/file.mp4", "file.mp4")
	rec.Status = status.Downloading
	rec.DownloadedBytes = 1234
	rec.TotalBytes = 9999
	rec.HTTP = &record.HTTPStats{ResumeSupported: true}

	require.NoError(t, repo.Save(rec))

	got, err := repo.Find("d1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.SourceURL, got.SourceURL)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.DownloadedBytes, got.DownloadedBytes)
	require.NotNil(t, got.HTTP)
	assert.True(t, got.HTTP.ResumeSupported)
}

func TestSaveValidation(t *testing.T) {
	repo := newTestRepo(t)

	assert.Error(t, repo.Save(record.Record{}))
}

func TestFindMissing(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Find("nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFindAll(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Save(record.New("d1", "", "https://example.com/a.mp4", "a.mp4")))
	require.NoError(t, repo.Save(record.New("d2", "", "https://example.com/b.m3u8", "b.mp4")))

	records, err := repo.FindAll()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	ids := map[string]bool{}
	for _, r := range records {
		ids[r.ID] = true
	}

	assert.True(t, ids["d1"])
	assert.True(t, ids["d2"])
}

func TestDelete(t *testing.T) {
	repo := newTestRepo(t)

	require.NoError(t, repo.Save(record.New("d1", "", "https://example.com/a.mp4", "a.mp4")))
	require.NoError(t, repo.Delete("d1"))

	_, err := repo.Find("d1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	assert.ErrorIs(t, repo.Delete("d1"), repository.ErrNotFound)
}

func TestSaveOverwrites(t *testing.T) {
	repo := newTestRepo(t)

	rec := record.New("d1", "", "https://example.com/a.mp4", "a.mp4")
	require.NoError(t, repo.Save(rec))

	rec.Status = status.Completed
	rec.ProgressPercent = 100
	require.NoError(t, repo.Save(rec))

	got, err := repo.Find("d1")
	require.NoError(t, err)
	assert.Equal(t, status.Completed, got.Status)
	assert.Equal(t, 100, got.ProgressPercent)
}
