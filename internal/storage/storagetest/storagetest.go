// Package storagetest builds a storage.Service backed by in-memory SQLite and
// miniredis for package tests. The SQLite schema carries the same partial
// unique indexes as production, so constraint races behave the same way.
package storagetest

import (
	"testing"

	"circles/backend/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Env bundles the test doubles so tests can reach miniredis directly.
type Env struct {
	Storage *storage.Service
	Redis   *redis.Client
	Mini    *miniredis.Miniredis
}

// New returns a migrated, empty storage service. Everything is torn down
// with the test.
func New(t testing.TB) *Env {
	t.Helper()

	db, err := storage.Open("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() {
		_ = rdb.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return &Env{
		Storage: storage.NewStorageService(db, rdb),
		Redis:   rdb,
		Mini:    mr,
	}
}
