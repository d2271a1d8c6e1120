package errors

import "strings"

// LockConflictPatterns contains database error messages that indicate a
// serialization or lock-acquisition conflict. These occur when two
// transactions race on the same environment rows and are worth retrying.
var LockConflictPatterns = []string{
	// SQLite
	"database is locked",
	"database table is locked",
	"SQLITE_BUSY",
	// Postgres
	"could not serialize access",
	"deadlock detected",
	"canceling statement due to lock timeout",
	// MySQL
	"Deadlock found when trying to get lock",
	"Lock wait timeout exceeded",
}

// TransientNetworkPatterns contains patterns that indicate a transient
// network failure talking to the provisioning gateway.
var TransientNetworkPatterns = []string{
	"connection refused",
	"Connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"EOF",
}

// IsLockConflict reports whether err looks like a transaction lock or
// serialization conflict that may succeed on retry.
func IsLockConflict(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range LockConflictPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}

// IsTransientNetwork reports whether err looks like a transient network
// failure. Used by the worker pool to decide whether a gateway job should
// be requeued.
func IsTransientNetwork(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range TransientNetworkPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
