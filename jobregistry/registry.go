// Package jobregistry tracks in-flight and recently-finished workflow jobs
// across three coupled TTL indices: prompt id -> job, prompt id -> initial
// callback, and request id -> prompt id. All three are created together and
// torn down together so none can outlive the others.
package jobregistry

import (
	"context"
	"sync"
	"time"

	"github.com/comfy-gateway/gateway/idlemap"
)

// State is a job's position in its lifecycle state machine.
type State string

const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
)

// IsTerminal reports whether s is a terminal state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted:
		return true
	}
	return false
}

// Job is the registry's record of a single workflow submission.
type Job struct {
	PromptID        string
	RequestID       string
	WorkflowID      string
	SID             string // owning backend session
	State           State
	ExecutingNodeID string
	SubmittedAt     time.Time
	UpdatedAt       time.Time
	Error           string
}

// Callback is invoked once, at submission time, and again at state
// transitions if the caller registered an OnUpdate.
type Callback struct {
	OnUpdate func(Job)
}

// Registry owns the three coupled TTL maps.
type Registry struct {
	mu sync.Mutex

	jobs        *idlemap.Map[*Job]
	callbacks   *idlemap.Map[*Callback]
	requestToPID *idlemap.Map[string]
}

// New returns a Registry whose entries expire after ttl of inactivity.
func New(ttl time.Duration) *Registry {
	r := &Registry{}
	r.jobs = idlemap.New[*Job](ttl, r.onJobEvicted)
	r.callbacks = idlemap.New[*Callback](ttl, nil)
	r.requestToPID = idlemap.New[string](ttl, nil)
	return r
}

// onJobEvicted cascades eviction of a job's callback and request-id entries.
// Invoked by idlemap outside its own lock; it only touches the sibling maps,
// never r.jobs itself, so no deadlock or re-entrant eviction loop is
// possible.
func (r *Registry) onJobEvicted(promptID string, job *Job) {
	r.callbacks.Pop(promptID)
	if job != nil {
		r.requestToPID.Pop(job.RequestID)
	}
}

// Create registers a new job atomically across all three maps.
func (r *Registry) Create(job *Job, cb *Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs.Set(job.PromptID, job)
	if cb != nil {
		r.callbacks.Set(job.PromptID, cb)
	}
	r.requestToPID.Set(job.RequestID, job.PromptID)
}

// Get looks up a job by prompt id and refreshes its idle deadline.
func (r *Registry) Get(promptID string) (*Job, bool) {
	job, ok := r.jobs.Get(promptID)
	if ok {
		r.jobs.Refresh(promptID)
	}
	return job, ok
}

// GetByRequestID resolves a request id to its job.
func (r *Registry) GetByRequestID(requestID string) (*Job, bool) {
	promptID, ok := r.requestToPID.Get(requestID)
	if !ok {
		return nil, false
	}
	return r.Get(promptID)
}

// Callback returns the registered callback for a job, if any.
func (r *Registry) Callback(promptID string) (*Callback, bool) {
	return r.callbacks.Get(promptID)
}

// Update applies fn to the job's current state and persists the result.
// Reaching a terminal state removes the job (and its siblings) immediately
// rather than waiting for the idle sweep, since a finished job has nothing
// left to refresh.
func (r *Registry) Update(promptID string, fn func(*Job)) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs.Get(promptID)
	if !ok {
		return nil, false
	}
	fn(job)
	job.UpdatedAt = time.Now()

	if job.State.IsTerminal() {
		// onJobEvicted cascades into the callback and request-id maps.
		r.jobs.Pop(promptID)
		return job, true
	}

	r.jobs.Set(promptID, job)
	return job, true
}

// Len returns the number of live in-flight jobs.
func (r *Registry) Len() int {
	return r.jobs.Len()
}

// RunSweepForever evicts jobs idle beyond the registry's TTL on a fixed
// interval until ctx is done. Only the jobs map needs a sweeper goroutine —
// its eviction callback cascades into the callback and request-id maps.
func (r *Registry) RunSweepForever(ctx context.Context, interval time.Duration) {
	r.jobs.RunSweepForever(ctx, interval)
}
