package internal

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// IsNotFound returns true if the given error indicates that a record
// could not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// IsDup returns true if the given error indicates that we found
// a duplicate record.
func IsDup(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == 1062 // Duplicate key error
}

// IsDeadlock returns true if the given error indicates that we
// found a deadlock.
func IsDeadlock(err error) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1213: Deadlock found when trying to get lock; try restarting transaction
	return me.Number == 1213
}

// IsRetryable returns true for errors worth restarting a transaction
// over: deadlocks and lock wait timeouts.
func IsRetryable(err error) bool {
	if IsDeadlock(err) {
		return true
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	// Error 1205: Lock wait timeout exceeded; try restarting transaction
	return me.Number == 1205
}
