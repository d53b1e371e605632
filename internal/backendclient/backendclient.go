// Copyright 2025 James Ross

// Package backendclient wraps the remote ComfyUI-shaped generative backend
// (spec §4.3): workflow composition, submission, poll-to-completion,
// artifact download, and health probing. It borrows the teacher's
// circuit-breaker-gated HTTP client shape from internal/worker's old
// processing path (a plain *http.Client plus internal/breaker), adapted
// from "submit a file to a processing endpoint" to "submit a generation
// workflow and poll its history".
package backendclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/apperr"
	"github.com/flyingrobots/comfyqueue/internal/breaker"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/job"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"golang.org/x/time/rate"
)

// endpoint names for the per-surface breaker registry.
const (
	endpointSubmit   = "submit"
	endpointPoll     = "poll"
	endpointArtifact = "fetch_artifact"
)

// Handle is the backend's opaque submission receipt (ComfyUI calls this a
// prompt_id).
type Handle struct {
	PromptID string
}

// PollResult is one observation of a submitted job's backend-side state.
type PollResult struct {
	Done     bool
	Progress float64
	Message  string
	Images   []ImageRef
	Error    string // non-empty only when Done and the backend reported failure
}

// ImageRef names one output image the backend produced, resolvable via
// FetchArtifact.
type ImageRef struct {
	Filename  string
	Subfolder string
	Type      string
}

// Artifact is downloaded image bytes plus whatever dimensions the request
// declared (the backend doesn't report decoded dimensions back).
type Artifact struct {
	Bytes  []byte
	Width  int
	Height int
}

// Client is the backend HTTP client.
type Client struct {
	cfg      config.Backend
	http     *http.Client
	breakers *breaker.Registry
	outbound *rate.Limiter
}

// New returns a Client configured per cfg, gated by a per-endpoint circuit
// breaker registry with the same sliding-window shape the teacher's worker
// used for its single downstream backend, split across this backend's
// independent failure surfaces (submit/poll/fetch_artifact), and throttled
// by an outbound rate.Limiter since a single ComfyUI instance has a much
// lower request ceiling than the work queue feeding it (spec §5 "HTTP
// clients for C2 and C3 with keep-alive and bounded concurrency per slot").
// RequestsPerSecond <= 0 means unthrottled.
func New(cfg config.Backend) *Client {
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{},
		breakers: breaker.NewRegistry(30*time.Second, 10*time.Second, 0.5, 5),
		outbound: rate.NewLimiter(limit, burst),
	}
}

// recordBreaker reports ok against the named endpoint's breaker, mirroring
// the teacher's prev/curr state comparison around Record to count trips
// (internal/worker/worker.go's runOne), and publishes the resulting state.
func (c *Client) recordBreaker(endpoint string, ok bool) {
	cb := c.breakers.Get(endpoint)
	prev := cb.State()
	cb.Record(ok)
	curr := cb.State()
	if prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(endpoint).Inc()
	}
	obs.CircuitBreakerState.WithLabelValues(endpoint).Set(float64(curr))
}

// wait blocks until the outbound rate limiter admits one request, or ctx is
// done.
func (c *Client) wait(ctx context.Context) error {
	if err := c.outbound.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.KindBackendUnavailable, "outbound rate limit wait", err)
	}
	return nil
}

// ComposeWorkflow builds the backend-shaped node graph for req. It's
// deterministic given req, except seed=-1 is resolved to a fresh random
// non-negative 32-bit seed recorded back onto req.
func ComposeWorkflow(req *job.GenerationRequest) (map[string]interface{}, error) {
	if req.Seed == -1 {
		seed, err := randomSeed()
		if err != nil {
			return nil, fmt.Errorf("choose seed: %w", err)
		}
		req.Seed = seed
	}

	return map[string]interface{}{
		"3": map[string]interface{}{
			"class_type": "KSampler",
			"inputs": map[string]interface{}{
				"seed":         req.Seed,
				"steps":        req.Steps,
				"cfg":          req.CFGScale,
				"sampler_name": req.Sampler,
				"model":        []interface{}{"4", 0},
				"positive":     []interface{}{"6", 0},
				"negative":     []interface{}{"7", 0},
				"latent_image": []interface{}{"5", 0},
			},
		},
		"4": map[string]interface{}{
			"class_type": "CheckpointLoaderSimple",
			"inputs":     map[string]interface{}{"ckpt_name": req.Model},
		},
		"5": map[string]interface{}{
			"class_type": "EmptyLatentImage",
			"inputs": map[string]interface{}{
				"width":      req.Width,
				"height":     req.Height,
				"batch_size": req.NumImages,
			},
		},
		"6": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": req.Prompt, "clip": []interface{}{"4", 1}},
		},
		"7": map[string]interface{}{
			"class_type": "CLIPTextEncode",
			"inputs":     map[string]interface{}{"text": req.NegativePrompt, "clip": []interface{}{"4", 1}},
		},
		"8": map[string]interface{}{
			"class_type": "VAEDecode",
			"inputs":     map[string]interface{}{"samples": []interface{}{"3", 0}, "vae": []interface{}{"4", 2}},
		},
		"9": map[string]interface{}{
			"class_type": "SaveImage",
			"inputs":     map[string]interface{}{"images": []interface{}{"8", 0}},
		},
	}, nil
}

func randomSeed() (int64, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint32(buf[:]) >> 1), nil
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit POSTs the composed workflow and returns the backend's handle. 4xx
// responses surface as BackendRejection; 5xx and transport errors surface
// as BackendUnavailable.
func (c *Client) Submit(ctx context.Context, workflow map[string]interface{}) (Handle, error) {
	if !c.breakers.Get(endpointSubmit).Allow() {
		return Handle{}, apperr.New(apperr.KindBackendUnavailable, "backend circuit breaker open")
	}
	if err := c.wait(ctx); err != nil {
		return Handle{}, err
	}

	body, err := json.Marshal(map[string]interface{}{"prompt": workflow})
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindInternal, "encode workflow", err)
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(submitCtx, http.MethodPost, c.cfg.URL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return Handle{}, apperr.Wrap(apperr.KindInternal, "build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordBreaker(endpointSubmit, false)
		return Handle{}, apperr.Wrap(apperr.KindBackendUnavailable, "submit workflow", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.recordBreaker(endpointSubmit, true)
		var parsed submitResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return Handle{}, apperr.Wrap(apperr.KindInternal, "decode submit response", err)
		}
		return Handle{PromptID: parsed.PromptID}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.recordBreaker(endpointSubmit, true)
		return Handle{}, apperr.New(apperr.KindBackendRejection, fmt.Sprintf("backend rejected workflow: %s", string(raw)))
	default:
		c.recordBreaker(endpointSubmit, false)
		return Handle{}, apperr.New(apperr.KindBackendUnavailable, fmt.Sprintf("backend error %d: %s", resp.StatusCode, string(raw)))
	}
}

type historyEntry struct {
	Status struct {
		Completed bool `json:"completed"`
		Messages  [][]interface{} `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
}

// Poll performs one history lookup for handle, returning whatever progress
// or terminal state the backend currently reports. The history request is
// bounded by the per-poll request timeout; the wait for the outbound rate
// limiter before it is bounded only by ctx.
func (c *Client) Poll(ctx context.Context, handle Handle) (PollResult, error) {
	if !c.breakers.Get(endpointPoll).Allow() {
		return PollResult{}, apperr.New(apperr.KindBackendUnavailable, "backend circuit breaker open")
	}
	if err := c.wait(ctx); err != nil {
		return PollResult{}, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/history/%s", c.cfg.URL, handle.PromptID)
	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, apperr.Wrap(apperr.KindInternal, "build poll request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordBreaker(endpointPoll, false)
		return PollResult{}, apperr.Wrap(apperr.KindBackendUnavailable, "poll backend history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordBreaker(endpointPoll, false)
		raw, _ := io.ReadAll(resp.Body)
		return PollResult{}, apperr.New(apperr.KindBackendUnavailable, fmt.Sprintf("poll history status %d: %s", resp.StatusCode, string(raw)))
	}
	c.recordBreaker(endpointPoll, true)

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return PollResult{}, apperr.Wrap(apperr.KindInternal, "decode history response", err)
	}

	entry, ok := history[handle.PromptID]
	if !ok {
		return PollResult{Done: false, Progress: 0}, nil
	}
	if !entry.Status.Completed {
		return PollResult{Done: false, Progress: progressFromMessages(entry.Status.Messages)}, nil
	}

	var images []ImageRef
	for _, out := range entry.Outputs {
		images = append(images, out.Images...)
	}
	return PollResult{Done: true, Progress: 1.0, Images: images}, nil
}

func progressFromMessages(messages [][]interface{}) float64 {
	// ComfyUI emits [event, {value, max}] progress frames; best-effort parse,
	// defaulting to an indeterminate mid-point when the shape doesn't match.
	for _, m := range messages {
		if len(m) != 2 {
			continue
		}
		event, _ := m[0].(string)
		if event != "progress" {
			continue
		}
		data, ok := m[1].(map[string]interface{})
		if !ok {
			continue
		}
		value, _ := data["value"].(float64)
		max, _ := data["max"].(float64)
		if max > 0 {
			return value / max
		}
	}
	return 0.5
}

// NextInterval returns the next poll backoff, exponential from base up to
// cap (spec §4.3: start ~0.3s, cap ~2s).
func NextInterval(cur, base, ceiling time.Duration) time.Duration {
	if cur < base {
		return base
	}
	next := cur * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// FetchArtifact downloads one image's bytes from the backend's /view
// endpoint.
func (c *Client) FetchArtifact(ctx context.Context, ref ImageRef, width, height int) (Artifact, error) {
	if !c.breakers.Get(endpointArtifact).Allow() {
		return Artifact{}, apperr.New(apperr.KindBackendUnavailable, "backend circuit breaker open")
	}
	if err := c.wait(ctx); err != nil {
		return Artifact{}, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.ArtifactTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s", c.cfg.URL, ref.Filename, ref.Subfolder, ref.Type)
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return Artifact{}, apperr.Wrap(apperr.KindInternal, "build artifact request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordBreaker(endpointArtifact, false)
		return Artifact{}, apperr.Wrap(apperr.KindBackendUnavailable, "fetch artifact", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordBreaker(endpointArtifact, false)
		return Artifact{}, apperr.New(apperr.KindBackendUnavailable, fmt.Sprintf("artifact fetch status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordBreaker(endpointArtifact, false)
		return Artifact{}, apperr.Wrap(apperr.KindBackendUnavailable, "read artifact body", err)
	}
	if len(data) == 0 {
		c.recordBreaker(endpointArtifact, false)
		return Artifact{}, apperr.New(apperr.KindBackendUnavailable, "artifact fetch returned empty body")
	}
	c.recordBreaker(endpointArtifact, true)
	return Artifact{Bytes: data, Width: width, Height: height}, nil
}

var healthPaths = []string{"/queue", "/system_stats", "/"}

// Health probes a short list of light backend endpoints, returning true on
// the first success and false only once every attempt across every
// endpoint is exhausted (spec §4.3: 5 attempts, 0.6s*attempt backoff).
func (c *Client) Health(ctx context.Context) bool {
	for attempt := 1; attempt <= c.cfg.HealthAttempts; attempt++ {
		for _, path := range healthPaths {
			reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.URL+path, nil)
			if err != nil {
				cancel()
				continue
			}
			resp, err := c.http.Do(req)
			cancel()
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 500 {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.cfg.HealthBackoff * time.Duration(attempt)):
		}
	}
	return false
}
