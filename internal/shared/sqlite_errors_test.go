package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlite3 "modernc.org/sqlite/lib"
)

// lockedWrite returns the error of a write attempted while another
// connection holds an exclusive lock on the same database file.
func lockedWrite(t *testing.T) error {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "lock.db")

	holder, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	_, err = holder.ExecContext(ctx, `CREATE TABLE snapshots (k TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = conn.ExecContext(ctx, `BEGIN EXCLUSIVE`)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.ExecContext(ctx, `ROLLBACK`) })

	writer, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	_, err = writer.ExecContext(ctx, `INSERT INTO snapshots (k) VALUES ('a')`)
	require.Error(t, err)
	return err
}

func TestIsSQLiteConflictError(t *testing.T) {
	busy := lockedWrite(t)

	code, ok := SQLiteCode(busy)
	require.True(t, ok)
	assert.Equal(t, sqlite3.SQLITE_BUSY, code)

	assert.True(t, IsSQLiteConflictError(busy))
	assert.True(t, IsSQLiteConflictError(fmt.Errorf("save discovery session: %w", busy)))

	// Matching text alone is not a driver error.
	assert.False(t, IsSQLiteConflictError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsSQLiteConflictError(nil))
}

func TestSQLiteCodeOfOtherDriverErrors(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "other.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`SELECT * FROM missing_table`)
	require.Error(t, err)

	code, ok := SQLiteCode(err)
	require.True(t, ok)
	assert.Equal(t, sqlite3.SQLITE_ERROR, code)
	assert.False(t, IsSQLiteConflictError(err))
}
