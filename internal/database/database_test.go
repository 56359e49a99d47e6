package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
)

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "microdl.db")
	db, err := Open(&config.DatabaseConfig{Path: path, MaxConnections: 4, WALMode: true, AutoVacuum: true})
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.True(t, db.Migrator().HasTable(&JobRecord{}))
	assert.True(t, db.Migrator().HasTable(&ChildRecord{}))

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestChildrenCascade(t *testing.T) {
	db, err := Open(&config.DatabaseConfig{Path: ":memory:"})
	require.NoError(t, err)

	rec := JobRecord{
		ID: "job-1", URL: "https://example.com/p", Kind: "video", Quality: "720p",
		DestinationDir: "/tmp", State: "completed", Summary: "Completed 2/2",
		CreatedAt: time.Now(), FinishedAt: time.Now(),
		Children: []ChildRecord{
			{ItemIndex: 0, SourceURL: "https://example.com/a", State: "done"},
			{ItemIndex: 1, SourceURL: "https://example.com/b", State: "done"},
		},
	}
	require.NoError(t, db.Create(&rec).Error)

	var count int64
	require.NoError(t, db.Model(&ChildRecord{}).Where("job_id = ?", "job-1").Count(&count).Error)
	assert.Equal(t, int64(2), count)

	require.NoError(t, db.Delete(&JobRecord{ID: "job-1"}).Error)
	require.NoError(t, db.Model(&ChildRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
