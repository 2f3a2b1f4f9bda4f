// Package httpapi wires the gateway's HTTP and WebSocket surface using
// plain net/http with Go 1.22's method-and-pattern ServeMux.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/comfy-gateway/gateway/audit"
	"github.com/comfy-gateway/gateway/authkey"
	"github.com/comfy-gateway/gateway/config"
	"github.com/comfy-gateway/gateway/connmanager"
	"github.com/comfy-gateway/gateway/gatewayerr"
	"github.com/comfy-gateway/gateway/jobregistry"
	"github.com/comfy-gateway/gateway/submitter"
	"github.com/comfy-gateway/gateway/workflow"
)

// HealthCheck reports whether a dependent subsystem is currently reachable.
type HealthCheck func() bool

// Deps holds everything the router needs to build its handlers.
type Deps struct {
	Pairs      *connmanager.Manager
	Submitter  *submitter.Submitter
	Loader     *workflow.Loader
	Registry   *jobregistry.Registry
	Config     *config.Global
	Audit      audit.Store
	APIKeyHash string
	ResumeTTL  time.Duration
	ResumeSecret []byte

	BackendHealthy        HealthCheck
	StatusListenerHealthy HealthCheck
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New builds the application HTTP handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	requireKey := RequireAPIKey(func(key string) bool {
		return authkey.CheckKey(d.APIKeyHash, key) == nil
	})

	mux.HandleFunc("GET /api/health", health(d))

	mux.HandleFunc("GET /ws/register", wsRegister(d))

	mux.Handle("GET /api/workflows", requireKey(http.HandlerFunc(listWorkflows(d))))
	mux.Handle("GET /api/workflows/{id}", requireKey(http.HandlerFunc(getWorkflow(d))))
	mux.Handle("POST /api/workflows/{id}/queue", requireKey(http.HandlerFunc(queueWorkflow(d))))
	mux.Handle("GET /api/jobs/{request_id}", requireKey(http.HandlerFunc(getJob(d))))

	mux.Handle("POST /api/ws/resume-token", requireKey(http.HandlerFunc(issueResumeToken(d))))

	mux.Handle("GET /api/admin/config", requireKey(http.HandlerFunc(getAdminConfig(d))))
	mux.Handle("PUT /api/admin/config", requireKey(http.HandlerFunc(putAdminConfig(d))))
	mux.Handle("GET /api/admin/diagnostics", requireKey(http.HandlerFunc(getDiagnostics(d))))

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// wsRegister upgrades the connection, resolves an optional resume token to
// a prior cid, and hands the connection to the connection manager. The
// handler blocks until this client attachment ends; the backend leg of the
// pairing can outlive it.
func wsRegister(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("token")
		if authkey.CheckKey(d.APIKeyHash, token) != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}

		resumeCID := ""
		if raw := r.URL.Query().Get("resume"); raw != "" {
			cid, err := authkey.ParseResumeToken(d.ResumeSecret, raw)
			if err == nil {
				resumeCID = cid
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = d.Pairs.Accept(r.Context(), conn, resumeCID)
	}
}

func issueResumeToken(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CID string `json:"cid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CID == "" {
			writeError(w, http.StatusBadRequest, "missing cid")
			return
		}
		if _, ok := d.Pairs.ResolveSID(body.CID); !ok {
			writeError(w, http.StatusNotFound, "unknown cid")
			return
		}
		tok, err := authkey.IssueResumeToken(d.ResumeSecret, body.CID, d.ResumeTTL)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "issue token failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"resume_token": tok})
	}
}

func listWorkflows(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := d.Loader.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": ids})
	}
}

// getWorkflow returns the cached descriptor for a single workflow id, with
// no per-request input/output rewrites applied — those only ever exist on
// the copy a submission makes.
func getWorkflow(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		desc, err := d.Loader.Load(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeJSON(w, http.StatusOK, desc)
	}
}

func queueWorkflow(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := r.PathValue("id")
		cid := r.URL.Query().Get("websocket_cid")
		if cid == "" {
			writeError(w, http.StatusBadRequest, "missing websocket_cid")
			return
		}

		var body struct {
			Inputs []workflow.InputValue `json:"inputs"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		res, err := d.Submitter.Submit(r.Context(), submitter.Request{
			CID:        cid,
			WorkflowID: workflowID,
			Inputs:     body.Inputs,
			OnUpdate:   func(j jobregistry.Job) { notifyStatus(d.Pairs, j) },
		})
		if err != nil {
			if errors.Is(err, gatewayerr.ErrNotFound) {
				writeError(w, http.StatusNotFound, "unknown websocket_cid")
				return
			}
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

// notifyStatus pushes a workflow_status text frame to the client paired
// with job.SID, matching the wire shape §6 specifies. A client that has
// disconnected or never paired simply misses the update — there is no
// retry, since a fresher event (or the terminal one) will follow shortly.
func notifyStatus(pairs *connmanager.Manager, job jobregistry.Job) {
	_ = pairs.Notify(job.SID, map[string]string{
		"type":       "workflow_status",
		"request_id": job.RequestID,
		"status":     string(job.State),
	})
}

func getJob(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("request_id")
		job, ok := d.Registry.GetByRequestID(requestID)
		if !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func getAdminConfig(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Config.Get())
	}
}

func putAdminConfig(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data config.Data
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			writeError(w, http.StatusBadRequest, "invalid config body")
			return
		}
		if err := d.Config.Set(r.Context(), data); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

// getDiagnostics fans out a concurrent connectivity check across the
// backend and status listener, gathering results with a WaitGroup the way
// the teacher's admin diagnostics handler does, then reads the most recent
// outcomes from the audit store.
func getDiagnostics(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var wg sync.WaitGroup
		var backendOK, statusOK bool

		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.BackendHealthy != nil {
				backendOK = d.BackendHealthy()
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.StatusListenerHealthy != nil {
				statusOK = d.StatusListenerHealthy()
			}
		}()

		wg.Wait()

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var recent []audit.Outcome
		if d.Audit != nil {
			recent, _ = d.Audit.RecentOutcomes(ctx, 10)
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"backend_reachable":         backendOK,
			"status_listener_reachable": statusOK,
			"active_pairs":              d.Pairs.ActivePairs(),
			"in_flight_jobs":            d.Registry.Len(),
			"recent_outcomes":           recent,
		})
	}
}
