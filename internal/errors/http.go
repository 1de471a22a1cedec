// Package errors renders errors as the JSON envelope every HTTP endpoint
// returns: {"error":{"code","message","details","request_id"}}.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

// Error codes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// InvalidArgument marks an error caused by the request itself.
type InvalidArgument struct {
	Err error
}

func (e *InvalidArgument) Error() string { return e.Err.Error() }
func (e *InvalidArgument) Unwrap() error { return e.Err }

// BadRequest wraps err so it is reported as INVALID_ARGUMENT.
func BadRequest(err error) error {
	return &InvalidArgument{Err: err}
}

// Unavailable marks an error the client may retry later.
type Unavailable struct {
	Err error
}

func (e *Unavailable) Error() string { return e.Err.Error() }
func (e *Unavailable) Unwrap() error { return e.Err }

// ServiceUnavailable wraps err so it is reported as SERVICE_UNAVAILABLE.
func ServiceUnavailable(err error) error {
	return &Unavailable{Err: err}
}

// Classify maps an error onto an HTTP status and error code.
func Classify(err error) (int, string) {
	var (
		invalid     *InvalidArgument
		unavailable *Unavailable
	)
	switch {
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.As(err, &invalid),
		jobstore.IsInvalidMessage(err),
		errors.Is(err, jobstore.ErrCauseRequired):
		return http.StatusBadRequest, CodeInvalidArgument
	case jobstore.IsJobNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case jobstore.IsJobArchived(err), jobstore.IsJobFailed(err), jobstore.IsEmptyCollection(err):
		return http.StatusConflict, CodeConflict
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondWithError writes err as an error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	e := HTTPError{Code: code, Message: err.Error()}
	var jerr *jobstore.JobError
	if errors.As(err, &jerr) {
		e.Details = map[string]any{"op": jerr.Op, "job_id": jerr.JobID.String()}
	}
	var schemaErrs message.SchemaErrors
	if errors.As(err, &schemaErrs) {
		violations := make([]map[string]string, 0, len(schemaErrs))
		for _, v := range schemaErrs {
			violations = append(violations, map[string]string{"path": v.Path, "message": v.Message})
		}
		e.Message = "envelope does not match schema"
		e.Details = map[string]any{"violations": violations}
	}
	Write(w, r, status, e)
}

// Write sends e with the given status, stamping the request id when known.
func Write(w http.ResponseWriter, r *http.Request, status int, e HTTPError) {
	if r != nil && e.RequestID == "" {
		e.RequestID = chimw.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: e})
}

// NotFoundHandler answers unknown routes.
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusNotFound, HTTPError{
		Code:    CodeNotFound,
		Message: "route not found: " + r.URL.Path,
	})
}

// MethodNotAllowedHandler answers known routes called with the wrong method.
func MethodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	Write(w, r, http.StatusMethodNotAllowed, HTTPError{
		Code:    CodeMethodNotAllowed,
		Message: "method " + r.Method + " not allowed on " + r.URL.Path,
	})
}
