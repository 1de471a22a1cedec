//go:build !cgo

package jobstore

import _ "modernc.org/sqlite"

// Pure-Go builds use modernc's SQLite, which has no remote client.
const (
	driverName      = "sqlite"
	remoteSupported = false
)
