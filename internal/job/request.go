// Copyright 2025 James Ross
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Samplers is the fixed enum of sampler names the backend accepts.
var Samplers = map[string]bool{
	"euler":               true,
	"euler_ancestral":     true,
	"heun":                true,
	"dpm_2":               true,
	"dpm_2_ancestral":     true,
	"lms":                 true,
	"dpm_fast":            true,
	"dpm_adaptive":        true,
	"dpmpp_2s_ancestral":  true,
	"dpmpp_2m":            true,
	"dpmpp_sde":           true,
	"ddim":                true,
	"plms":                true,
	"uni_pc":              true,
}

const (
	defaultModel      = "v1-5-pruned-emaonly.ckpt"
	defaultSampler    = "euler_ancestral"
	maxPixelCount     = 4_000_000
	maxPromptLen      = 4000
	maxNegPromptLen   = 4000
	minDim            = 64
	maxDim            = 2048
	minSteps          = 1
	maxSteps          = 150
	minCfgScale       = 1.0
	maxCfgScale       = 30.0
	minSeed     int64 = -1
	maxSeed     int64 = 1<<31 - 1
)

// GenerationRequest is the public generation-request schema from spec §6.2.
// Field names are fixed at the public surface: `sampler` and `num_images`,
// never the `sampler_name` / `batch_size` aliases the source used.
type GenerationRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFGScale       float64 `json:"cfg_scale"`
	Sampler        string  `json:"sampler"`
	Seed           int64   `json:"seed"`
	Model          string  `json:"model"`
	NumImages      int     `json:"num_images"`
}

// ApplyDefaults fills in the bracketed defaults from §6.2 for any field the
// caller omitted (zero value).
func (r *GenerationRequest) ApplyDefaults() {
	if r.Width == 0 {
		r.Width = 512
	}
	if r.Height == 0 {
		r.Height = 512
	}
	if r.Steps == 0 {
		r.Steps = 20
	}
	if r.CFGScale == 0 {
		r.CFGScale = 7.0
	}
	if r.Sampler == "" {
		r.Sampler = defaultSampler
	}
	if r.Model == "" {
		r.Model = defaultModel
	}
	if r.NumImages == 0 {
		r.NumImages = 1
	}
}

// FieldError names one offending field and the constraint it violated, for
// the 422 VALIDATION_ERROR response body.
type FieldError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Constraint) }

// ValidationError collects every FieldError found for one request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation error"
	}
	return e.Fields[0].Error()
}

func (e *ValidationError) add(field, constraint string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Constraint: constraint})
}

// Validate checks a GenerationRequest against every constraint in spec
// §6.2, including the cross-field width*height cap. maxBatchSize is the
// caller's role-specific ceiling on num_images.
func Validate(r GenerationRequest, maxBatchSize int) *ValidationError {
	verr := &ValidationError{}

	if l := len(r.Prompt); l < 1 || l > maxPromptLen {
		verr.add("prompt", fmt.Sprintf("must be 1..%d characters", maxPromptLen))
	}
	if l := len(r.NegativePrompt); l > maxNegPromptLen {
		verr.add("negative_prompt", fmt.Sprintf("must be 0..%d characters", maxNegPromptLen))
	}
	if r.Width < minDim || r.Width > maxDim || r.Width%8 != 0 {
		verr.add("width", fmt.Sprintf("must be %d..%d and a multiple of 8", minDim, maxDim))
	}
	if r.Height < minDim || r.Height > maxDim || r.Height%8 != 0 {
		verr.add("height", fmt.Sprintf("must be %d..%d and a multiple of 8", minDim, maxDim))
	}
	if r.Width > 0 && r.Height > 0 && r.Width*r.Height > maxPixelCount {
		verr.add("width,height", fmt.Sprintf("width*height must be <= %d", maxPixelCount))
	}
	if r.Steps < minSteps || r.Steps > maxSteps {
		verr.add("steps", fmt.Sprintf("must be %d..%d", minSteps, maxSteps))
	}
	if r.CFGScale < minCfgScale || r.CFGScale > maxCfgScale {
		verr.add("cfg_scale", fmt.Sprintf("must be %.1f..%.1f", minCfgScale, maxCfgScale))
	}
	if !Samplers[r.Sampler] {
		verr.add("sampler", "must be one of the supported sampler names")
	}
	if r.Seed < minSeed || r.Seed > maxSeed {
		verr.add("seed", fmt.Sprintf("must be -1 or in [0, %d]", maxSeed))
	}
	if r.Model == "" {
		verr.add("model", "must be non-empty")
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 1
	}
	if r.NumImages < 1 || r.NumImages > maxBatchSize {
		verr.add("num_images", fmt.Sprintf("must be 1..%d for this role", maxBatchSize))
	}

	if len(verr.Fields) == 0 {
		return nil
	}
	return verr
}

// CanonicalJSON renders r with sorted keys, for deriving a stable
// idempotency key when the caller did not supply one explicitly.
func (r GenerationRequest) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return marshalSorted(m)
}

func marshalSorted(m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []byte("{")
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, _ := json.Marshal(k)
		out = append(out, kb...)
		out = append(out, ':')
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	out = append(out, '}')
	return out, nil
}

// DeriveIdempotencyKey hashes the canonical JSON of the request plus the
// principal token and protocol version, truncated to 16 hex chars per §4.6
// step 4.
func DeriveIdempotencyKey(r GenerationRequest, ownerToken string) (string, error) {
	canon, err := r.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonicalize request: %w", err)
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte{0})
	h.Write([]byte(ownerToken))
	h.Write([]byte{0})
	h.Write([]byte(protocolVersion))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16], nil
}
