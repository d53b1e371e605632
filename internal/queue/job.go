// Copyright 2025 James Ross

// Package queue defines the handle C6 pushes and C7 pops (spec §3's Queue
// definition: "a FIFO list holding job handles, job_id plus minimal
// metadata"). It's deliberately small: the job record itself lives in
// jobrepo, keyed by job_id; the queue only needs enough to route and
// trace the handle through the pop.
package queue

import (
	"encoding/json"
	"time"
)

// Handle is the payload pushed onto P:queue:{queue_name}.
type Handle struct {
	JobID    string `json:"job_id"`
	QueuedAt string `json:"queued_at"`
	TraceID  string `json:"trace_id,omitempty"`
}

// NewHandle builds a handle for jobID, stamped with the current time.
func NewHandle(jobID, traceID string) Handle {
	return Handle{
		JobID:    jobID,
		QueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:  traceID,
	}
}

// Marshal renders the handle for pushing onto the queue.
func (h Handle) Marshal() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalHandle parses a handle popped off the queue.
func UnmarshalHandle(s string) (Handle, error) {
	var h Handle
	err := json.Unmarshal([]byte(s), &h)
	return h, err
}
