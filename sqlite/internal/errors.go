package internal

import (
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

// SQLite result codes we care about. Kept local to avoid importing the
// generated modernc.org/sqlite/lib package for four constants.
const (
	codeBusy                 = 5    // SQLITE_BUSY
	codeLocked               = 6    // SQLITE_LOCKED
	codeConstraintPrimaryKey = 1555 // SQLITE_CONSTRAINT_PRIMARYKEY
	codeConstraintUnique     = 2067 // SQLITE_CONSTRAINT_UNIQUE
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == codeConstraintPrimaryKey || code == codeConstraintUnique
}

// IsBusy returns true if the given error indicates that the database is
// locked by another connection and the operation is worth retrying.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == codeBusy || code == codeLocked
}
