package database

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localizer/presence/internal/config"
	"github.com/localizer/presence/internal/model"
)

func TestOpen_SQLiteInMemory(t *testing.T) {
	db, err := Open(config.StoreConfig{Type: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.True(t, db.Local)
	assert.Equal(t, "sqlite", db.Gorm.Dialector.Name())
	assert.True(t, db.Gorm.Migrator().HasTable(&model.UserRow{}))
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.db")

	db, err := Open(config.StoreConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: path}}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.Equal(t, path, db.Path)
	assert.FileExists(t, path)
}

func TestOpen_RejectsNonDatabaseType(t *testing.T) {
	_, err := Open(config.StoreConfig{Type: "memory"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpen_UnreachablePostgresFallsBackToSQLite(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.StoreConfig{
		Type:     "postgres",
		Postgres: config.SQLServerConfig{Host: "127.0.0.1", Port: "1", Database: "x", PollInterval: time.Second},
		SQLite:   config.SQLiteConfig{PollInterval: 2 * time.Second},
	}

	db, err := Open(cfg, zerolog.New(&logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.True(t, db.Local)
	assert.Equal(t, 2*time.Second, db.PollInterval(cfg))
	assert.Contains(t, logs.String(), "trying SQLite")
}

func TestOpen_UnreachableMySQLFallsBackToSQLite(t *testing.T) {
	var logs bytes.Buffer
	cfg := config.StoreConfig{
		Type:   "mysql",
		MySQL:  config.SQLServerConfig{Host: "127.0.0.1", Port: "1", Username: "root", Database: "x"},
		SQLite: config.SQLiteConfig{PollInterval: 3 * time.Second},
	}

	db, err := Open(cfg, zerolog.New(&logs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.True(t, db.Local)
	assert.Equal(t, "sqlite", db.Gorm.Dialector.Name())
	assert.Equal(t, 3*time.Second, db.PollInterval(cfg))
	assert.Contains(t, logs.String(), "MySQL")
}

func TestPollInterval_ServerDialects(t *testing.T) {
	cfg := config.StoreConfig{
		Postgres: config.SQLServerConfig{PollInterval: time.Second},
		MySQL:    config.SQLServerConfig{PollInterval: 4 * time.Second},
	}
	d := &DB{}

	cfg.Type = "postgres"
	assert.Equal(t, time.Second, d.PollInterval(cfg))
	cfg.Type = "mysql"
	assert.Equal(t, 4*time.Second, d.PollInterval(cfg))
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := Open(config.StoreConfig{Type: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db.Gorm))

	var count int64
	require.NoError(t, db.Gorm.Model(&model.Revision{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInMemoryDatabasesAreIsolated(t *testing.T) {
	a, err := Open(config.StoreConfig{Type: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.Gorm.Create(&model.UserRow{ID: "u1", Seq: 1}).Error)

	b, err := Open(config.StoreConfig{Type: "sqlite"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	var count int64
	require.NoError(t, b.Gorm.Model(&model.UserRow{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestPrinter_WritesWarnings(t *testing.T) {
	var buf bytes.Buffer
	printer{zerolog.New(&buf)}.Printf("slow sql %dms", 250)
	assert.Contains(t, buf.String(), "slow sql 250ms")
	assert.Contains(t, buf.String(), `"source":"gorm"`)
}
