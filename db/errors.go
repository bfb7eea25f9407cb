package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/agentdeploy/errors"
)

// ErrDatabaseClosed marks store calls made after the database was closed,
// typically by scheduler slots still draining during shutdown.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err comes from a closed database handle.
// database/sql reports a closed *sql.DB only through its message, so that
// is matched as well.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed), errors.Is(err, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}
