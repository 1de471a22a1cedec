package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/jobtally/internal/errors"
	"github.com/3leaps/jobtally/pkg/jobstore"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	t.Run("sets custom responder", func(t *testing.T) {
		var captured error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		})

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/test", nil), assert.AnError)

		assert.Equal(t, assert.AnError, captured)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil restores default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})
		SetHTTPErrorResponder(nil)

		rec := httptest.NewRecorder()
		respondWithError(rec, httptest.NewRequest(http.MethodGet, "/test", nil), assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDefaultResponder_JobErrorDetails(t *testing.T) {
	ResetHTTPErrorResponder()

	jobID := uuid.New()
	err := &jobstore.JobError{Op: "complete", JobID: jobID, Err: jobstore.ErrEmptyCollection}

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil), err)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, apperrors.CodeConflict, body.Error.Code)
	assert.Equal(t, "complete", body.Error.Details["op"])
	assert.Equal(t, jobID.String(), body.Error.Details["job_id"])
}
