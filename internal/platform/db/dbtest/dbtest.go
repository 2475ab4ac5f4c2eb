// Package dbtest opens throwaway SQLite databases migrated with the service
// schema for storage-backed tests.
package dbtest

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fatflowers/subsync/internal/platform/db"
	gormzap "github.com/fatflowers/subsync/pkg/gormlog"
)

var seq atomic.Int64

// Open returns a fresh in-memory database. All access goes through a single
// connection so concurrent callers are serialized by database/sql.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:subsync_test_%d?mode=memory&cache=shared", seq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormzap.New(zap.NewNop().Sugar(), gormzap.Options{LogLevel: gormlogger.Silent}),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(zap.NewNop().Sugar(), gdb))
	return gdb
}
