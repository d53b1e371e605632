// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"github.com/flyingrobots/comfyqueue/internal/queue"
	"github.com/gorilla/mux"
)

const (
	idempotencyHeader  = "Idempotency-Key"
	maxSubmitBodyBytes = 1 << 20
)

func (s *Server) roleQuota(role string) (limit int, concurrent int, daily int, unlimited bool) {
	rq, ok := s.cfg.RoleQuotas[role]
	if !ok {
		rq = s.cfg.RoleQuotas["free"]
	}
	return rq.PerMinuteLimit, rq.ConcurrentLimit, rq.DailyLimit, rq.Unlimited
}

func (s *Server) maxBatchSize(role string) int {
	rq, ok := s.cfg.RoleQuotas[role]
	if !ok || rq.MaxBatchSize <= 0 {
		return 1
	}
	return rq.MaxBatchSize
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	ctx, span := obs.StartRequestSpan(r.Context(), r.Method, "/api/v1/jobs")
	defer span.End()

	perMinuteLimit, concurrentLimit, dailyLimit, unlimited := s.roleQuota(principal.Role)

	if s.cfg.RateLimit.Enabled && !unlimited {
		decision, err := s.limiter.Allow(ctx, principal.Token, "submit", perMinuteLimit)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			obs.RateLimitRejections.WithLabelValues(principal.Role).Inc()
			writeError(w, r, http.StatusTooManyRequests, string(apperr.KindRateLimited), "rate limit exceeded", map[string]interface{}{
				apperr.RetryAfterDetail: int(decision.RetryAfter.Seconds()),
			})
			return
		}
	}

	if !unlimited {
		if err := s.quotas.CheckDaily(ctx, principal.Token, dailyLimit); err != nil {
			obs.QuotaRejections.WithLabelValues(principal.Role, "daily").Inc()
			writeAppError(w, r, err)
			return
		}
		active, err := s.repo.CountOwnerActive(ctx, principal.Token)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := s.quotas.CheckConcurrent(active, concurrentLimit); err != nil {
			obs.QuotaRejections.WithLabelValues(principal.Role, "concurrent").Inc()
			writeAppError(w, r, err)
			return
		}
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSubmitBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, string(apperr.KindValidation), "failed to read request body", nil)
		return
	}

	if verr := job.ValidateSchema(raw); verr != nil {
		details := map[string]interface{}{"fields": verr.Fields}
		writeError(w, r, http.StatusUnprocessableEntity, string(apperr.KindValidation), verr.Error(), details)
		return
	}

	var req job.GenerationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, string(apperr.KindValidation), "malformed JSON body", nil)
		return
	}
	req.ApplyDefaults()

	if verr := job.Validate(req, s.maxBatchSize(principal.Role)); verr != nil {
		details := map[string]interface{}{"fields": verr.Fields}
		writeError(w, r, http.StatusUnprocessableEntity, string(apperr.KindValidation), verr.Error(), details)
		return
	}

	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey == "" {
		derived, err := job.DeriveIdempotencyKey(req, principal.Token)
		if err != nil {
			writeAppError(w, r, apperr.Wrap(apperr.KindInternal, "derive idempotency key", err))
			return
		}
		idemKey = derived
	}

	paramsJSON, err := json.Marshal(req)
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.KindInternal, "encode request params", err))
		return
	}

	jobID, err := job.NewID()
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.KindInternal, "generate job id", err))
		return
	}

	existing, err := s.repo.TryBindIdempotency(ctx, principal.Token, idemKey, jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if existing != "" {
		obs.JobsDeduplicated.Inc()
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: existing, Status: string(job.StatusQueued), Location: jobLocation(existing)})
		return
	}

	now := time.Now().UTC()
	rec := job.NewRecord(jobID, principal.Token, idemKey, string(paramsJSON), now)
	if err := s.repo.Create(ctx, rec); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.repo.MarkOwnerActive(ctx, principal.Token, jobID); err != nil {
		writeAppError(w, r, err)
		return
	}

	handle := queue.NewHandle(jobID, requestIDFrom(ctx))
	payload, err := handle.Marshal()
	if err != nil {
		writeAppError(w, r, apperr.Wrap(apperr.KindInternal, "encode queue handle", err))
		return
	}
	if err := s.store.QueuePush(ctx, queueKey(s.cfg.Queue.Name), payload); err != nil {
		obs.RecordError(ctx, err)
		writeAppError(w, r, err)
		return
	}

	obs.JobsSubmitted.Inc()
	obs.AddEvent(ctx, "job.enqueued", obs.KeyValue("job.id", jobID))
	obs.SetSpanSuccess(ctx)
	writeJSON(w, http.StatusAccepted, submitResponse{
		JobID:    jobID,
		Status:   string(job.StatusQueued),
		QueuedAt: now.Format(time.RFC3339Nano),
		Location: jobLocation(jobID),
	})
}

func queueKey(name string) string { return "queue:" + name }

func jobLocation(jobID string) string { return "/api/v1/jobs/" + jobID }

type submitResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	QueuedAt string `json:"queued_at,omitempty"`
	Location string `json:"location"`
}

type statusResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	SubmittedBy string          `json:"submitted_by"`
	Params      json.RawMessage `json:"params"`
	Result      *job.Result     `json:"result,omitempty"`
	Error       *job.Error      `json:"error,omitempty"`
	Timestamps  timestamps      `json:"timestamps"`
}

type timestamps struct {
	QueuedAt   string `json:"queued_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

func toStatusResponse(rec *job.Record) statusResponse {
	resp := statusResponse{
		JobID:       rec.JobID,
		Status:      string(rec.Status),
		Progress:    rec.Progress,
		SubmittedBy: rec.OwnerToken,
		Params:      json.RawMessage(rec.ParamsJSON),
		Result:      rec.Result,
		Error:       rec.Error,
		Timestamps:  timestamps{QueuedAt: rec.QueuedAt.Format(time.RFC3339Nano)},
	}
	if rec.StartedAt != nil {
		resp.Timestamps.StartedAt = rec.StartedAt.Format(time.RFC3339Nano)
	}
	if rec.FinishedAt != nil {
		resp.Timestamps.FinishedAt = rec.FinishedAt.Format(time.RFC3339Nano)
	}
	return resp
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	rec, err := s.repo.Read(r.Context(), jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, string(apperr.KindNotFound), "job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(rec))
}

type cancelResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	ctx := r.Context()

	rec, err := s.repo.Read(ctx, jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, r, http.StatusNotFound, string(apperr.KindNotFound), "job not found", nil)
		return
	}
	if rec.Status.Terminal() {
		writeError(w, r, http.StatusNotFound, string(apperr.KindNotFound), "job cannot be canceled: already terminal", nil)
		return
	}

	switch rec.Status {
	case job.StatusQueued:
		finished := time.Now().UTC()
		if err := s.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{Status: job.StatusCanceled, FinishedAt: &finished}); err != nil {
			writeAppError(w, r, err)
			return
		}
		obs.JobsCanceled.Inc()
		_ = s.repo.UnmarkOwnerActive(ctx, rec.OwnerToken, jobID)
	case job.StatusRunning:
		if err := s.repo.SetCancelFlag(ctx, jobID); err != nil {
			writeAppError(w, r, err)
			return
		}
		if err := s.repo.UpdateStatus(ctx, jobID, jobrepo.UpdateStatusInput{Status: job.StatusCanceling}); err != nil {
			writeAppError(w, r, err)
			return
		}
	default:
		// canceling already; no-op, idempotent retry of a cancel request.
	}

	writeJSON(w, http.StatusAccepted, cancelResponse{JobID: jobID, Message: "Cancellation requested"})
}

type listResponse struct {
	Jobs       []statusResponse `json:"jobs"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

const defaultListPageSize = 50

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	ctx := r.Context()

	ids, err := s.repo.ListOwnerJobs(ctx, principal.Token)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	sort.Strings(ids)

	offset := 0
	if c := r.URL.Query().Get("cursor"); c != "" {
		if n, err := strconv.Atoi(c); err == nil && n > 0 {
			offset = n
		}
	}
	pageSize := defaultListPageSize
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			pageSize = n
		}
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	page := ids[offset:end]

	jobs := make([]statusResponse, 0, len(page))
	for _, id := range page {
		rec, err := s.repo.Read(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		jobs = append(jobs, toStatusResponse(rec))
	}

	resp := listResponse{Jobs: jobs}
	if end < len(ids) {
		resp.NextCursor = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}
