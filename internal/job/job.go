// Copyright 2025 James Ross
package job

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is one of the six lifecycle states (three terminal) the job lifecycle
// engine recognizes. No "state" alias is exposed anywhere, including in the
// HTTP layer.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCanceling Status = "canceling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether status never transitions further.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCanceling, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// InProgress reports whether a job_id in this status belongs in the
// in-progress set (invariant 2 of §3).
func (s Status) InProgress() bool {
	return s == StatusRunning || s == StatusCanceling
}

const protocolVersion = "v1"

// NewID generates an opaque job identifier in the `j_` + 12 lowercase hex
// format the data model requires.
func NewID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return "j_" + hex.EncodeToString(buf), nil
}

// Artifact is one output image produced by a succeeded job.
type Artifact struct {
	URL    string                 `json:"url"`
	Width  int                    `json:"width,omitempty"`
	Height int                    `json:"height,omitempty"`
	Seed   *int64                 `json:"seed,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
}

// Result is the ordered list of artifacts a succeeded job produced.
type Result struct {
	Artifacts []Artifact `json:"artifacts"`
}

// Error is the structured failure recorded on failed/canceled jobs.
type Error struct {
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	AgeSeconds int64  `json:"age_seconds,omitempty"`
}

// Record is the full job record persisted as a hash at P:jobs:{job_id}.
type Record struct {
	JobID           string     `json:"job_id"`
	Status          Status     `json:"status"`
	Progress        float64    `json:"progress"`
	OwnerToken      string     `json:"owner_token"`
	IdempotencyKey  string     `json:"idempotency_key"`
	ParamsJSON      string     `json:"params_json"`
	Result          *Result    `json:"result_json,omitempty"`
	Error           *Error     `json:"error_json,omitempty"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ProtocolVersion string     `json:"protocol_version"`
}

// NewRecord builds a freshly queued job record.
func NewRecord(jobID, ownerToken, idempotencyKey, paramsJSON string, now time.Time) Record {
	return Record{
		JobID:           jobID,
		Status:          StatusQueued,
		Progress:        0,
		OwnerToken:      ownerToken,
		IdempotencyKey:  idempotencyKey,
		ParamsJSON:      paramsJSON,
		QueuedAt:        now,
		ProtocolVersion: protocolVersion,
	}
}

// RecordTTL is refreshed on every transition; see config.Queue.RecordTTL for
// the configured value (24h floor per spec §9's Open Question decision).
