package store

import (
	"math/rand"
	"strings"
	"time"
)

// txMaxAttempts bounds retries of a transaction that keeps hitting
// transient lock contention.
const txMaxAttempts = 3

// isTransient reports whether the error is worth retrying.
// modernc.org/sqlite surfaces lock contention as SQLITE_BUSY/LOCKED
// text; constraint violations and logic errors are terminal.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// backoffSleep sleeps with exponential backoff plus jitter.
// Attempt is zero-based.
func backoffSleep(attempt int) {
	base := 25 * time.Millisecond << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	time.Sleep(base + jitter)
}
