//go:build cgo

package jobstore

import _ "github.com/tursodatabase/go-libsql"

// cgo builds use libsql, which serves local files and remote databases.
const (
	driverName      = "libsql"
	remoteSupported = true
)
