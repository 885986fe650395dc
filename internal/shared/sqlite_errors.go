// Package shared holds helpers used by more than one storage path.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteCode returns the primary result code of a driver error anywhere in
// err's chain. Extended codes such as SQLITE_BUSY_SNAPSHOT fold into their
// primary code.
func SQLiteCode(err error) (int, bool) {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return 0, false
	}
	return sqliteErr.Code() & 0xff, true
}

// IsSQLiteConflictError reports whether a snapshot write lost a lock race
// (SQLITE_BUSY or SQLITE_LOCKED) and can be retried.
func IsSQLiteConflictError(err error) bool {
	code, ok := SQLiteCode(err)
	if !ok {
		return false
	}
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
