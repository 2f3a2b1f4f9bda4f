// Command gateway runs the comfy-gateway process: it bridges client
// WebSockets to backend engine sessions, submits workflows on the
// client's behalf, and routes the engine's asynchronous status events and
// image frames back to the client that requested them.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/comfy-gateway/gateway/audit"
	"github.com/comfy-gateway/gateway/audit/postgres"
	"github.com/comfy-gateway/gateway/backendclient"
	"github.com/comfy-gateway/gateway/config"
	"github.com/comfy-gateway/gateway/connmanager"
	"github.com/comfy-gateway/gateway/httpapi"
	"github.com/comfy-gateway/gateway/jobregistry"
	"github.com/comfy-gateway/gateway/metrics"
	"github.com/comfy-gateway/gateway/statuslistener"
	"github.com/comfy-gateway/gateway/submitter"
	"github.com/comfy-gateway/gateway/workflow"
)

var version = "dev"

func main() {
	fmt.Printf("comfy-gateway %s\n", version)

	proc := config.LoadProcess()
	workflowDir := env("WORKFLOW_DIR", "./workflows")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openAuditStore(ctx, proc.AuditDSN)
	defer store.Close()

	cfg, err := config.Load(ctx, store)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	d := cfg.Get().Durations()

	// One gateway-owned sid for the whole process's life, per spec §4.C —
	// every submitted prompt is tagged with this sid so the one status
	// listener connection observes every job's lifecycle events.
	statusSID := uuid.NewString()

	// Per-session sockets use the engine's /comfy-api/ws endpoint; the status
	// channel below uses /ws.
	sessionURL := strings.TrimSuffix(proc.EngineWSURL, "/ws") + "/comfy-api/ws"
	backend := backendclient.New(sessionURL, d.BackendRetryBase, d.BackendRetryCount)
	pairs := connmanager.New(ctx, backend, d.ClientIdleTTL, d.ReconnectBackoffBase, d.ReconnectBackoffCap)
	registry := jobregistry.New(d.JobIdleTTL)
	loader := workflow.NewLoader(workflowDir)
	sub := submitter.New(loader, registry, pairs, proc.EngineHTTPURL+"/prompt", statusSID)

	statusURL, err := statusChannelURL(proc.EngineWSURL, statusSID)
	if err != nil {
		log.Fatalf("status listener url: %v", err)
	}
	listener := statuslistener.New(statusURL, time.Second, 128*time.Second, dispatchStatusEvent(registry, pairs, store))

	go listener.Run(ctx)
	go pairs.RunSweepForever(ctx, d.SweepInterval)
	go registry.RunSweepForever(ctx, d.SweepInterval)
	go reportGauges(ctx, pairs, 5*time.Second)

	h := httpapi.New(httpapi.Deps{
		Pairs:        pairs,
		Submitter:    sub,
		Loader:       loader,
		Registry:     registry,
		Config:       cfg,
		Audit:        store,
		APIKeyHash:   proc.APIKeyHash,
		ResumeTTL:    24 * time.Hour,
		ResumeSecret: proc.ResumeSecret,

		BackendHealthy:        backend.Healthy,
		StatusListenerHealthy: listener.Healthy,
	})

	srv := &http.Server{
		Addr:    proc.ListenAddress,
		Handler: h,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("comfy-gateway listening on %s", proc.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("comfy-gateway: shutting down…")
	cancel()
	pairs.EvictAll()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// dispatchStatusEvent turns decoded engine status events into job state
// transitions and pushes the result to the owning client, following §4.C's
// refresh/lookup/invoke/cleanup sequence: the job's TTL is implicitly
// refreshed by Update, the callback is looked up before the update so a
// terminal transition's own cleanup can't make it disappear first, and an
// event for an unknown job or with no registered callback is dropped.
func dispatchStatusEvent(registry *jobregistry.Registry, pairs *connmanager.Manager, store audit.Store) statuslistener.Handler {
	return func(ev statuslistener.Event) {
		if ev.Kind == statuslistener.KindUnknown {
			log.Printf("statuslistener: ignoring unrecognized event for prompt %s", ev.PromptID)
			return
		}

		cb, hasCB := registry.Callback(ev.PromptID)
		if !hasCB || cb == nil {
			return
		}
		prior, _ := registry.Get(ev.PromptID)
		priorState := jobregistry.StateQueued
		if prior != nil {
			priorState = prior.State
		}

		job, ok := registry.Update(ev.PromptID, func(j *jobregistry.Job) {
			applyEventToJob(j, ev)
		})
		if !ok {
			return
		}
		if job.State != priorState {
			metrics.JobsByState.WithLabelValues(string(priorState)).Dec()
			metrics.JobsByState.WithLabelValues(string(job.State)).Inc()
		}

		if hasCB && cb != nil && cb.OnUpdate != nil {
			cb.OnUpdate(*job)
		}

		if job.State.IsTerminal() {
			outcome := audit.Outcome{
				RequestID:   job.RequestID,
				PromptID:    job.PromptID,
				WorkflowID:  job.WorkflowID,
				State:       string(job.State),
				Error:       job.Error,
				SubmittedAt: job.SubmittedAt,
				FinishedAt:  job.UpdatedAt,
			}
			go func() {
				if err := store.RecordOutcome(context.Background(), outcome); err != nil {
					log.Printf("audit: record outcome for request %s: %v", job.RequestID, err)
				}
			}()
		}
	}
}

// applyEventToJob is the §4.C dispatch table: event kind -> job state
// transition, with the one extra field executing carries.
func applyEventToJob(j *jobregistry.Job, ev statuslistener.Event) {
	switch ev.Kind {
	case statuslistener.KindExecutionStart:
		j.State = jobregistry.StateRunning
	case statuslistener.KindExecuting:
		j.State = jobregistry.StateRunning
		j.ExecutingNodeID = ev.Node
	case statuslistener.KindExecutionCached, statuslistener.KindExecutionSuccess:
		j.State = jobregistry.StateCompleted
	case statuslistener.KindExecutionError:
		j.State = jobregistry.StateFailed
		j.Error = "execution_error"
	case statuslistener.KindExecutionInterrupted:
		j.State = jobregistry.StateInterrupted
	}
}

// reportGauges periodically snapshots the active-pair count into its
// Prometheus gauge, since connmanager doesn't push metrics on every
// mutation.
func reportGauges(ctx context.Context, pairs *connmanager.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ActivePairs.Set(float64(pairs.ActivePairs()))
		}
	}
}

func statusChannelURL(engineWSURL, sid string) (string, error) {
	u, err := url.Parse(engineWSURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", engineWSURL, err)
	}
	q := u.Query()
	q.Set("clientId", sid)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func openAuditStore(ctx context.Context, dsn string) audit.Store {
	if dsn == "" {
		log.Println("comfy-gateway: AUDIT_DB_DSN unset, running without an audit store")
		return audit.NoopStore{}
	}
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		log.Fatalf("audit: open postgres store: %v", err)
	}
	return db
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
