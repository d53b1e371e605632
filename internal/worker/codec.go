// Copyright 2025 James Ross
package worker

import (
	"encoding/json"

	"github.com/flyingrobots/comfyqueue/internal/job"
)

func decodeParams(paramsJSON string, out *job.GenerationRequest) error {
	return json.Unmarshal([]byte(paramsJSON), out)
}

func marshalEvent(ev StatusEvent) ([]byte, error) {
	return json.Marshal(ev)
}
