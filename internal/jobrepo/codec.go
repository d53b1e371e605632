// Copyright 2025 James Ross
package jobrepo

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/job"
)

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func marshalResult(res job.Result) (string, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalError(e job.Error) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encode flattens a Record into the hash fields §3 names for P:jobs:{job_id}.
func encode(rec job.Record) (map[string]string, error) {
	fields := map[string]string{
		"job_id":           rec.JobID,
		"status":           string(rec.Status),
		"progress":         formatFloat(rec.Progress),
		"owner_token":      rec.OwnerToken,
		"idempotency_key":  rec.IdempotencyKey,
		"params_json":      rec.ParamsJSON,
		"queued_at":        rec.QueuedAt.UTC().Format(time.RFC3339Nano),
		"protocol_version": rec.ProtocolVersion,
	}
	if rec.StartedAt != nil {
		fields["started_at"] = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.FinishedAt != nil {
		fields["finished_at"] = rec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.Result != nil {
		b, err := marshalResult(*rec.Result)
		if err != nil {
			return nil, err
		}
		fields["result_json"] = b
	}
	if rec.Error != nil {
		b, err := marshalError(*rec.Error)
		if err != nil {
			return nil, err
		}
		fields["error_json"] = b
	}
	return fields, nil
}

// decode rebuilds a Record from the hash fields HGETALL returns.
func decode(fields map[string]string) (job.Record, error) {
	rec := job.Record{
		JobID:           fields["job_id"],
		Status:          job.Status(fields["status"]),
		Progress:        parseFloat(fields["progress"]),
		OwnerToken:      fields["owner_token"],
		IdempotencyKey:  fields["idempotency_key"],
		ParamsJSON:      fields["params_json"],
		ProtocolVersion: fields["protocol_version"],
	}
	if v := fields["queued_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.QueuedAt = t
		}
	}
	if v := fields["started_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.StartedAt = &t
		}
	}
	if v := fields["finished_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			rec.FinishedAt = &t
		}
	}
	if v := fields["result_json"]; v != "" {
		var res job.Result
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return job.Record{}, err
		}
		rec.Result = &res
	}
	if v := fields["error_json"]; v != "" {
		var e job.Error
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return job.Record{}, err
		}
		rec.Error = &e
	}
	return rec, nil
}
