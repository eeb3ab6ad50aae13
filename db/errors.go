package db

import "strings"

// IsDatabaseClosed reports whether err comes from a closed SQLite handle or
// PostgreSQL pool. Neither driver exports a sentinel, so messages are matched.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is closed") || strings.Contains(msg, "closed pool")
}
