// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/irfndi/tickerpulse/internal/database"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// NewSQLiteDB opens a migrated SQLite database in a temporary directory.
func NewSQLiteDB(t testing.TB) *database.SQLiteDB {
	t.Helper()
	db, err := database.NewSQLiteConnection(filepath.Join(t.TempDir(), "tickerpulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, nil))
	return db
}

// NewRedis starts an in-memory Redis server and returns a client bound to it.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// GenerateTestSecret returns a random 64 character hex secret for signing test tokens.
func GenerateTestSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate random bytes for test secret")
	}
	return hex.EncodeToString(b)
}
