package jobstore

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBusyTimeout is how long a writer waits on a locked local database
// when Config.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// Config selects the backing database for a Store.
type Config struct {
	// Path is a local database file, or ":memory:" for a private in-memory
	// database. A leading "file:" is accepted and query parameters are
	// ignored.
	Path string

	// URL is a remote libsql database (libsql://, https://, wss://). It wins
	// over Path when both are set.
	URL string

	// AuthToken is added to URL as authToken unless URL already carries one.
	AuthToken string

	// BusyTimeout bounds how long a writer waits on a locked local file.
	BusyTimeout time.Duration
}

// Validate reports whether cfg names a usable database without opening it.
func (c Config) Validate() error {
	_, err := c.locate()
	return err
}

type backend int

const (
	backendMemory backend = iota + 1
	backendFile
	backendRemote
)

func (b backend) String() string {
	switch b {
	case backendMemory:
		return "memory"
	case backendFile:
		return "file"
	case backendRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// location is a Config resolved to exactly one backend.
type location struct {
	backend     backend
	file        string
	dsn         string
	busyTimeout time.Duration
}

var remoteSchemes = map[string]bool{"libsql": true, "https": true, "http": true, "wss": true, "ws": true}

func (c Config) locate() (location, error) {
	busy := c.BusyTimeout
	if busy < 0 {
		return location{}, fmt.Errorf("store busy timeout must not be negative: %s", busy)
	}
	if busy == 0 {
		busy = DefaultBusyTimeout
	}

	if raw := strings.TrimSpace(c.URL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return location{}, fmt.Errorf("invalid store url: %w", err)
		}
		if !remoteSchemes[strings.ToLower(u.Scheme)] {
			return location{}, fmt.Errorf("invalid store url: unsupported scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return location{}, errors.New("invalid store url: missing host")
		}
		if token := strings.TrimSpace(c.AuthToken); token != "" {
			q := u.Query()
			if q.Get("authToken") == "" {
				q.Set("authToken", token)
				u.RawQuery = q.Encode()
			}
		}
		return location{backend: backendRemote, dsn: u.String(), busyTimeout: busy}, nil
	}

	path := strings.TrimSpace(c.Path)
	if path == ":memory:" {
		return location{backend: backendMemory, dsn: path, busyTimeout: busy}, nil
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return location{}, errors.New("job store path or url is required")
	}
	path = filepath.Clean(path)
	return location{backend: backendFile, file: path, dsn: "file:" + path, busyTimeout: busy}, nil
}

// local reports whether the database lives in this process or on local disk.
func (l location) local() bool {
	return l.backend == backendMemory || l.backend == backendFile
}

// maxConns is the connection limit the store runs with. A local database
// gets exactly one connection: an in-memory database exists per connection,
// and SQLite serializes writers on a file regardless. Store code therefore
// never touches the pool while it holds a transaction or open rows.
func (l location) maxConns() int {
	if l.local() {
		return 1
	}
	return 0
}
