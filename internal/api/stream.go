// Copyright 2025 James Ross

// Progress Stream (C8): bridges a job's pub/sub channel to a server-sent
// event connection. The SSE loop (headers, flusher check, select over
// ctx.Done/channel) is adapted from the teacher's multi-cluster-control
// event stream handler, generalized from cluster-wide events to one job's
// progress frames and given the snapshot-then-forward-until-done contract
// of spec §4.8.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"github.com/gorilla/mux"
)

type streamFrame struct {
	Type     string      `json:"type"`
	Status   string      `json:"status,omitempty"`
	Progress float64     `json:"progress,omitempty"`
	Message  string      `json:"message,omitempty"`
	Result   *job.Result `json:"result,omitempty"`
	Error    *job.Error  `json:"error,omitempty"`
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStream implements spec §4.8: refuse if the job is unknown, send an
// initial snapshot frame, then forward progress-channel frames until a
// "done" event closes the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, string(apperr.KindInternal), "streaming not supported", nil)
		return
	}

	sub, err := s.repo.SubscribeEvents(ctx, jobID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEFrame(w, flusher, streamFrame{
		Type:     "status",
		Status:   string(rec.Status),
		Progress: rec.Progress,
	}); err != nil {
		return
	}
	if rec.Status.Terminal() {
		return
	}

	obs.StreamConnections.Inc()
	defer obs.StreamConnections.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, open := <-sub.Messages():
			if !open {
				return
			}
			var frame streamFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				s.log.Warn("dropping malformed stream frame", obs.String("job_id", jobID), obs.Err(err))
				continue
			}
			if err := writeSSEFrame(w, flusher, frame); err != nil {
				return
			}
			if frame.Type == "done" {
				return
			}
		}
	}
}
