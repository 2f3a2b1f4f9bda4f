// Package submitter implements workflow submission: resolve the caller's
// backend session, copy and rewrite the cached workflow descriptor, submit
// it to the engine, and register the resulting job.
package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/comfy-gateway/gateway/gatewayerr"
	"github.com/comfy-gateway/gateway/jobregistry"
	"github.com/comfy-gateway/gateway/metrics"
	"github.com/comfy-gateway/gateway/workflow"
)

// SIDResolver resolves a client connection id to its paired backend
// session id. Satisfied by *connmanager.Manager.
type SIDResolver interface {
	ResolveSID(cid string) (string, bool)
}

// Submitter wires workflow loading, input rewriting, and engine submission.
type Submitter struct {
	loader    *workflow.Loader
	registry  *jobregistry.Registry
	pairs     SIDResolver
	engineURL string
	statusSID string
	httpc     *http.Client
}

// New returns a Submitter that submits prompts to engineURL (e.g.
// http://127.0.0.1:8000/prompt), tagging every submission with the status
// listener's own sid so the engine's lifecycle events land on the one
// connection the gateway is actually listening to.
func New(loader *workflow.Loader, registry *jobregistry.Registry, pairs SIDResolver, engineURL, statusSID string) *Submitter {
	return &Submitter{
		loader:    loader,
		registry:  registry,
		pairs:     pairs,
		engineURL: engineURL,
		statusSID: statusSID,
		httpc:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Request describes a workflow queue request.
type Request struct {
	CID        string
	WorkflowID string
	Inputs     []workflow.InputValue
	OnUpdate   func(jobregistry.Job)
}

// Result is returned to the HTTP caller on successful submission.
type Result struct {
	RequestID string `json:"request_id"`
	PromptID  string `json:"prompt_id"`
}

// promptEnvelope is the /prompt request body. ClientID is always the
// status listener's sid (§6), not the per-connection sid, so the engine's
// lifecycle events land on the one channel the gateway is listening on.
type promptEnvelope struct {
	Prompt   map[string]*workflow.Node `json:"prompt"`
	ClientID string                    `json:"client_id"`
}

type promptResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit performs the full seven-step submission algorithm: resolve sid,
// load+copy the descriptor, mint a request id, rewrite inputs and output
// targets, POST to the engine, register the job, and invoke the initial
// callback.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Result, error) {
	sid, ok := s.pairs.ResolveSID(req.CID)
	if !ok {
		return nil, fmt.Errorf("submitter: no session paired for cid %s: %w", req.CID, gatewayerr.ErrNotFound)
	}

	desc, err := s.loader.Load(req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("submitter: load workflow %s: %w", req.WorkflowID, err)
	}

	requestID := newRequestID()
	desc.ApplyInputs(req.Inputs)
	desc.ApplyOutputTargets(requestID, sid)

	body, err := json.Marshal(promptEnvelope{Prompt: desc.Graph, ClientID: s.statusSID})
	if err != nil {
		return nil, fmt.Errorf("submitter: marshal prompt: %w", err)
	}

	promptID, err := s.postPrompt(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("submitter: %w: %v", gatewayerr.ErrSubmitFailed, err)
	}

	job := &jobregistry.Job{
		PromptID:    promptID,
		RequestID:   requestID,
		WorkflowID:  req.WorkflowID,
		SID:         sid,
		State:       jobregistry.StateQueued,
		SubmittedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}
	var cb *jobregistry.Callback
	if req.OnUpdate != nil {
		cb = &jobregistry.Callback{OnUpdate: req.OnUpdate}
	}
	s.registry.Create(job, cb)
	metrics.JobsByState.WithLabelValues(string(jobregistry.StateQueued)).Inc()
	if cb != nil {
		cb.OnUpdate(*job)
	}

	return &Result{RequestID: requestID, PromptID: promptID}, nil
}

// postPrompt submits the rewritten descriptor to the engine and returns the
// prompt_id it assigns, extracted from the response body.
func (s *Submitter) postPrompt(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engineURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var pr promptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("decode /prompt response: %w", err)
	}
	if pr.PromptID == "" {
		return "", fmt.Errorf("engine response missing prompt_id")
	}
	return pr.PromptID, nil
}

// newRequestID mints a 24-hex-character id, matching the length used by
// the upstream engine's own request id generation, which stays well under
// its 32-byte VALIDATE_INPUTS identifier ceiling.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
