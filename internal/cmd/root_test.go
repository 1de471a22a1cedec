package cmd

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtally/pkg/jobstore"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after set", func(t *testing.T) {
		if appIdentity != nil {
			assert.Equal(t, appIdentity, GetAppIdentity())
		}
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "30s", viper.GetString("server.write_timeout"))
	assert.Equal(t, "120s", viper.GetString("server.idle_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))

	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))
	assert.Empty(t, viper.GetString("logging.file"))

	assert.NotEmpty(t, viper.GetString("store.path"))
	assert.Empty(t, viper.GetString("store.url"))
	assert.Equal(t, "5s", viper.GetString("store.busy_timeout"))

	assert.True(t, viper.GetBool("scheduler.enabled"))
	assert.Equal(t, "30s", viper.GetString("scheduler.sweep_interval"))
	assert.Equal(t, "5s", viper.GetString("scheduler.flush_interval"))

	assert.Equal(t, 500, viper.GetInt("queue.max_batch"))

	assert.Equal(t, 100, viper.GetInt("ingest.burst"))
	assert.Equal(t, 1<<20, viper.GetInt("ingest.max_line_bytes"))
	assert.False(t, viper.GetBool("ingest.strict"))
	assert.Equal(t, "10s", viper.GetString("ingest.ack_wait"))

	assert.True(t, viper.GetBool("health.enabled"))
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")

	err := exitError(ExitFailure, "replay", cause)
	assert.Equal(t, "replay: boom (exit code 1)", err.Error())
	assert.ErrorIs(t, err, cause)

	err = exitError(ExitUsage, "bad flags", nil)
	assert.Equal(t, "bad flags (exit code 2)", err.Error())
}

func TestStoreExitError(t *testing.T) {
	id := uuid.New()
	wrap := func(err error) error { return &jobstore.JobError{Op: "test", JobID: id, Err: err} }

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", wrap(jobstore.ErrJobNotFound), ExitNotFound},
		{"archived", wrap(jobstore.ErrJobArchived), ExitJobConflict},
		{"failed", wrap(jobstore.ErrJobFailed), ExitJobConflict},
		{"empty collection", wrap(jobstore.ErrEmptyCollection), ExitJobConflict},
		{"invalid message", wrap(jobstore.ErrInvalidMessage), ExitUsage},
		{"cause required", wrap(jobstore.ErrCauseRequired), ExitUsage},
		{"other", errors.New("disk full"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var exitErr *ExitError
			require.ErrorAs(t, storeExitError("op", tt.err), &exitErr)
			assert.Equal(t, tt.want, exitErr.Code)
			assert.ErrorIs(t, exitErr, tt.err)
		})
	}
}
