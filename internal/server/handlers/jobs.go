package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	apperrors "github.com/3leaps/jobtally/internal/errors"
	"github.com/3leaps/jobtally/pkg/jobstore"
	"github.com/3leaps/jobtally/pkg/message"
)

// JobReader is the read and failure surface of *jobstore.Store used by the
// API.
type JobReader interface {
	ListActiveJobs(ctx context.Context) ([]jobstore.JobRecord, error)
	GetActiveJob(ctx context.Context, jobID uuid.UUID) (*jobstore.JobRecord, error)
	MarkFailed(ctx context.Context, jobID uuid.UUID, cause string) (*jobstore.FailedJobInfo, error)
	GetCompletedJobInfo(ctx context.Context, jobID uuid.UUID) (*jobstore.CompletedJobInfo, error)
	GetRejections(ctx context.Context, jobID uuid.UUID) ([]jobstore.Rejection, error)
	GetAnonymisationFailures(ctx context.Context, jobID uuid.UUID) ([]jobstore.AnonymisationFailure, error)
	GetMissingFiles(ctx context.Context, jobID uuid.UUID) ([]string, error)
	GetVerificationFailures(ctx context.Context, jobID uuid.UUID) ([]jobstore.VerificationFailure, error)
}

// MessageHandler ingests one message under an ack token.
type MessageHandler interface {
	Handle(ctx context.Context, msg message.Message, token jobstore.AckToken) (jobstore.Disposition, error)
}

// Settlements delivers the ack or nack of a token to a waiting request.
type Settlements interface {
	Expect(token jobstore.AckToken) (settled <-chan error, cancel func())
}

// Flusher persists buffered verification outcomes on demand.
type Flusher interface {
	Flush(ctx context.Context) (jobstore.FlushResult, error)
}

const (
	maxMessageBytes = 4 << 20

	// DefaultAckWait applies when WithSettlement is given no wait.
	DefaultAckWait = 10 * time.Second
)

// JobsAPI serves the /v1 routes.
type JobsAPI struct {
	jobs     JobReader
	messages MessageHandler

	settlements Settlements
	flusher     Flusher
	ackWait     time.Duration
}

type JobsAPIOption func(*JobsAPI)

// WithSettlement makes POST /v1/messages hold a buffered verification
// outcome until the flush that persists it has settled its token. After wait
// the request flushes the queue itself.
func WithSettlement(s Settlements, f Flusher, wait time.Duration) JobsAPIOption {
	return func(a *JobsAPI) {
		if wait <= 0 {
			wait = DefaultAckWait
		}
		a.settlements = s
		a.flusher = f
		a.ackWait = wait
	}
}

func NewJobsAPI(jobs JobReader, messages MessageHandler, opts ...JobsAPIOption) *JobsAPI {
	a := &JobsAPI{jobs: jobs, messages: messages}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Routes mounts the API on r.
func (a *JobsAPI) Routes(r chi.Router) {
	r.Post("/messages", a.PostMessage)
	r.Get("/jobs", a.ListJobs)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", a.GetJob)
		r.Post("/fail", a.FailJob)
		r.Get("/completed", a.GetCompleted)
		r.Get("/rejections", a.GetRejections)
		r.Get("/anonymisation-failures", a.GetAnonymisationFailures)
		r.Get("/missing-files", a.GetMissingFiles)
		r.Get("/verification-failures", a.GetVerificationFailures)
	})
}

// MessageResponse reports how a submitted message was taken. Persisted is
// false only for a buffered verification outcome answered with 202.
type MessageResponse struct {
	Token       string `json:"token"`
	Kind        string `json:"kind"`
	JobID       string `json:"job_id"`
	Disposition string `json:"disposition"`
	Persisted   bool   `json:"persisted"`
}

// PostMessage ingests one envelope after checking it against the envelope
// schema and answers 200 once the message is persisted. With settlement
// configured a buffered verification outcome is answered only after its
// flush: a nacked outcome is reported as the flush error, and one still
// unsettled after the wait and a forced flush as 503. Without settlement it
// answers 202 Accepted.
func (a *JobsAPI) PostMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("read body: %w", err)))
		return
	}
	if len(body) > maxMessageBytes {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("message exceeds %d bytes", maxMessageBytes)))
		return
	}

	if err := message.ValidateRaw(body); err != nil {
		respondWithError(w, r, err)
		return
	}
	var env message.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("decode envelope: %w", err)))
		return
	}
	if env.Header.IsZero() {
		env.Header = message.NewHeader()
	}
	msg, err := env.Decode()
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	token := chimw.GetReqID(r.Context())
	if token == "" {
		token = uuid.NewString()
	}

	var settled <-chan error
	if a.settlements != nil {
		ch, cancel := a.settlements.Expect(jobstore.AckToken(token))
		defer cancel()
		settled = ch
	}

	disp, err := a.messages.Handle(r.Context(), msg, jobstore.AckToken(token))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	resp := MessageResponse{
		Token:       token,
		Kind:        string(msg.Kind()),
		JobID:       msg.ExtractionJobID().String(),
		Disposition: disp.String(),
		Persisted:   disp == jobstore.AckNow,
	}
	if disp == jobstore.AckOnFlush {
		if settled == nil {
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		if err := a.awaitSettlement(r.Context(), jobstore.AckToken(token), settled); err != nil {
			respondWithError(w, r, err)
			return
		}
		resp.Persisted = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// awaitSettlement returns nil once token is acked, or the nack error. When
// the scheduled flush has not settled it within ackWait, it flushes once; the
// processor serializes flushes, so any flush that took the token has settled
// it by the time Flush returns.
func (a *JobsAPI) awaitSettlement(ctx context.Context, token jobstore.AckToken, settled <-chan error) error {
	timer := time.NewTimer(a.ackWait)
	defer timer.Stop()

	select {
	case err := <-settled:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// The flush error is per batch and reaches this token through settled.
	_, _ = a.flusher.Flush(ctx)

	select {
	case err := <-settled:
		return err
	default:
		return apperrors.ServiceUnavailable(fmt.Errorf("verification outcome %s not persisted within %s", token, a.ackWait))
	}
}

func (a *JobsAPI) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.jobs.ListActiveJobs(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []jobstore.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *JobsAPI) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := a.jobs.GetActiveJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// FailRequest is the body of POST /v1/jobs/{id}/fail.
type FailRequest struct {
	Cause string `json:"cause"`
}

func (a *JobsAPI) FailJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	var req FailRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.BadRequest(fmt.Errorf("decode body: %w", err)))
		return
	}
	info, err := a.jobs.MarkFailed(r.Context(), id, req.Cause)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *JobsAPI) GetCompleted(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	info, err := a.jobs.GetCompletedJobInfo(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *JobsAPI) GetRejections(w http.ResponseWriter, r *http.Request) {
	serveReport(w, r, "rejections", a.jobs.GetRejections)
}

func (a *JobsAPI) GetAnonymisationFailures(w http.ResponseWriter, r *http.Request) {
	serveReport(w, r, "anonymisation_failures", a.jobs.GetAnonymisationFailures)
}

func (a *JobsAPI) GetMissingFiles(w http.ResponseWriter, r *http.Request) {
	serveReport(w, r, "missing_files", a.jobs.GetMissingFiles)
}

func (a *JobsAPI) GetVerificationFailures(w http.ResponseWriter, r *http.Request) {
	serveReport(w, r, "verification_failures", a.jobs.GetVerificationFailures)
}

func serveReport[T any](w http.ResponseWriter, r *http.Request, key string, get func(context.Context, uuid.UUID) ([]T, error)) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	items, err := get(r.Context(), id)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id.String(), key: items})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest(errors.New("invalid job id: "+raw)))
		return uuid.Nil, false
	}
	return id, true
}
