package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

func TestClassify(t *testing.T) {
	id := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", &jobstore.JobError{Op: "complete", JobID: id, Err: jobstore.ErrJobNotFound}, http.StatusNotFound, CodeNotFound},
		{"archived", fmt.Errorf("wrap: %w", jobstore.ErrJobArchived), http.StatusConflict, CodeConflict},
		{"already failed", jobstore.ErrJobFailed, http.StatusConflict, CodeConflict},
		{"empty collection", jobstore.ErrEmptyCollection, http.StatusConflict, CodeConflict},
		{"invalid message", jobstore.ErrInvalidMessage, http.StatusBadRequest, CodeInvalidArgument},
		{"schema violation", message.SchemaErrors{{Path: "/type", Message: "value must be one of ..."}}, http.StatusBadRequest, CodeInvalidArgument},
		{"cause required", jobstore.ErrCauseRequired, http.StatusBadRequest, CodeInvalidArgument},
		{"bad request", BadRequest(errors.New("bad uuid")), http.StatusBadRequest, CodeInvalidArgument},
		{"unavailable", ServiceUnavailable(errors.New("not persisted yet")), http.StatusServiceUnavailable, CodeServiceUnavailable},
		{"other", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := Classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRespondWithError_JobDetails(t *testing.T) {
	id := uuid.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/x", nil)

	RespondWithError(rec, req, &jobstore.JobError{Op: "mark_failed", JobID: id, Err: jobstore.ErrJobFailed})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeConflict, body.Error.Code)
	assert.Equal(t, "mark_failed", body.Error.Details["op"])
	assert.Equal(t, id.String(), body.Error.Details["job_id"])
}

func TestRespondWithError_SchemaViolations(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)

	RespondWithError(rec, req, message.SchemaErrors{
		{Path: "/data/outcome", Message: "value must be one of ..."},
		{Path: "/data", Message: "missing properties: 'source_path'"},
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Error struct {
			Message string `json:"message"`
			Details struct {
				Violations []map[string]string `json:"violations"`
			} `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "envelope does not match schema", body.Error.Message)
	require.Len(t, body.Error.Details.Violations, 2)
	assert.Equal(t, "/data/outcome", body.Error.Details.Violations[0]["path"])
}
