//go:build integration

// Package integration drives the gateway end to end against a fake engine:
// a real HTTP+WebSocket gateway process (wired the same way cmd/gateway
// wires it) fronting a fake ComfyUI-shaped backend, exercised with plain
// net/http and gorilla/websocket clients, matching spec.md §8's S1 happy
// path scenario.
package integration

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfy-gateway/gateway/audit"
	"github.com/comfy-gateway/gateway/authkey"
	"github.com/comfy-gateway/gateway/backendclient"
	"github.com/comfy-gateway/gateway/config"
	"github.com/comfy-gateway/gateway/connmanager"
	"github.com/comfy-gateway/gateway/httpapi"
	"github.com/comfy-gateway/gateway/jobregistry"
	"github.com/comfy-gateway/gateway/statuslistener"
	"github.com/comfy-gateway/gateway/submitter"
	"github.com/comfy-gateway/gateway/workflow"
)

const apiKey = "integration-test-key"

// fakeEngine is a minimal stand-in for the ComfyUI-shaped backend: it
// upgrades per-session websockets, hands out a status channel, and accepts
// /prompt submissions.
type fakeEngine struct {
	srv        *httptest.Server
	statusConn chan *websocket.Conn
	sessionConn chan *websocket.Conn
	promptID   string
}

func newFakeEngine(t *testing.T, promptID string) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{
		statusConn:  make(chan *websocket.Conn, 1),
		sessionConn: make(chan *websocket.Conn, 8),
		promptID:    promptID,
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fe.statusConn <- conn
	})

	mux.HandleFunc("/comfy-api/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sid := r.URL.Query().Get("clientId")
		if err := conn.WriteJSON(map[string]any{"event": "status", "data": map[string]string{"sid": sid}}); err != nil {
			return
		}
		fe.sessionConn <- conn
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": fe.promptID})
	})

	fe.srv = httptest.NewServer(mux)
	return fe
}

func (fe *fakeEngine) wsBase() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http")
}

func (fe *fakeEngine) httpBase() string {
	return fe.srv.URL
}

func (fe *fakeEngine) Close() { fe.srv.Close() }

// sendImageFrame writes an 8-byte header followed by payload on the
// session connection, mirroring the engine's observed binary frame shape.
func sendImageFrame(conn *websocket.Conn, payload []byte) error {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[:4], 1)
	buf := append(header, payload...)
	return conn.WriteMessage(websocket.BinaryMessage, buf)
}

func writeWorkflowFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	graph := `{
		"1": {"class_type": "ComfyUIDeployExternalText", "inputs": {"input_id": "prompt"}},
		"2": {"class_type": "ComfyDeployWebscoketImageOutput", "inputs": {}}
	}`
	if err := os.WriteFile(filepath.Join(dir, "hello.json"), []byte(graph), 0o644); err != nil {
		t.Fatalf("write workflow fixture: %v", err)
	}
	return dir
}

// newGateway wires the same services cmd/gateway does, pointed at the
// fake engine, and returns an httptest server plus the pieces the test
// needs to drive the backend side directly.
func newGateway(t *testing.T, fe *fakeEngine, statusSID string) (*httptest.Server, *jobregistry.Registry, *connmanager.Manager) {
	t.Helper()

	hash, err := authkey.HashKey(apiKey)
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}

	backend := backendclient.New(fe.wsBase()+"/comfy-api/ws", time.Millisecond, 3)
	pairs := connmanager.New(context.Background(), backend, time.Hour, 50*time.Millisecond, time.Second)
	registry := jobregistry.New(time.Hour)
	loader := workflow.NewLoader(writeWorkflowFixture(t))
	sub := submitter.New(loader, registry, pairs, fe.httpBase()+"/prompt", statusSID)

	g, err := config.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	h := httpapi.New(httpapi.Deps{
		Pairs:        pairs,
		Submitter:    sub,
		Loader:       loader,
		Registry:     registry,
		Config:       g,
		Audit:        audit.NoopStore{},
		APIKeyHash:   hash,
		ResumeTTL:    time.Minute,
		ResumeSecret: []byte("resume-secret"),
	})

	return httptest.NewServer(h), registry, pairs
}

// TestHappyPathQueueAndStatus drives spec.md §8's S1 scenario: register,
// queue a workflow, and observe the ordered status frames plus an image
// frame arrive on the same client socket.
func TestHappyPathQueueAndStatus(t *testing.T) {
	const promptID = "prompt-s1"
	fe := newFakeEngine(t, promptID)
	defer fe.Close()

	statusSID := "gateway-status-sid"
	gwSrv, registry, _ := newGateway(t, fe, statusSID)
	defer gwSrv.Close()

	listener := statuslistener.New(fe.wsBase()+"/ws?clientId="+statusSID, 10*time.Millisecond, 100*time.Millisecond,
		func(ev statuslistener.Event) {
			// Mirrors cmd/gateway's dispatchStatusEvent: look up the job's
			// registered callback before Update can pop it out from under a
			// terminal transition, then invoke it with the updated job.
			cb, hasCB := registry.Callback(ev.PromptID)
			job, ok := registry.Update(ev.PromptID, func(j *jobregistry.Job) {
				switch ev.Kind {
				case statuslistener.KindExecuting:
					j.State = jobregistry.StateRunning
				case statuslistener.KindExecutionSuccess:
					j.State = jobregistry.StateCompleted
				}
			})
			if ok && hasCB && cb != nil && cb.OnUpdate != nil {
				cb.OnUpdate(*job)
			}
		})
	lctx, lcancel := context.WithCancel(context.Background())
	defer lcancel()
	go listener.Run(lctx)

	// Let the status listener establish its connection before submitting.
	var statusConn *websocket.Conn
	select {
	case statusConn = <-fe.statusConn:
	case <-time.After(2 * time.Second):
		t.Fatal("status listener never connected to fake engine")
	}
	defer statusConn.Close()

	wsURL := "ws" + strings.TrimPrefix(gwSrv.URL, "http") + "/ws/register"
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"token": []string{apiKey}})
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	var announce struct {
		UUID string `json:"uuid"`
	}
	if err := clientConn.ReadJSON(&announce); err != nil {
		t.Fatalf("read announce frame: %v", err)
	}
	if len(announce.UUID) == 0 {
		t.Fatal("expected non-empty cid in announce frame")
	}

	var sessionConn *websocket.Conn
	select {
	case sessionConn = <-fe.sessionConn:
	case <-time.After(2 * time.Second):
		t.Fatal("backend session connection was never established")
	}
	defer sessionConn.Close()

	reqBody := strings.NewReader(`{"inputs":[{"node_id":"1","value":"https://ex/img.png"}]}`)
	req, err := http.NewRequest(http.MethodPost,
		gwSrv.URL+"/api/workflows/hello/queue?websocket_cid="+announce.UUID, reqBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST queue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("queue status = %d, want 202", resp.StatusCode)
	}
	var queued struct {
		RequestID string `json:"request_id"`
		PromptID  string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode queue response: %v", err)
	}
	if len(queued.RequestID) != 24 {
		t.Fatalf("request_id length = %d, want 24", len(queued.RequestID))
	}
	if queued.PromptID != promptID {
		t.Fatalf("prompt_id = %q, want %q", queued.PromptID, promptID)
	}

	// Drive the status channel through queued -> running -> completed.
	for _, ev := range []map[string]any{
		{"type": "executing", "data": map[string]string{"prompt_id": promptID, "node": "2"}},
		{"type": "execution_success", "data": map[string]string{"prompt_id": promptID}},
	} {
		if err := statusConn.WriteJSON(ev); err != nil {
			t.Fatalf("write status event: %v", err)
		}
	}

	if err := sendImageFrame(sessionConn, []byte("fake-png-bytes")); err != nil {
		t.Fatalf("send image frame: %v", err)
	}

	// The three status frames and the one image frame travel over
	// independent goroutines (the status listener's callback vs. the
	// backend-to-client pump), so they can interleave; collect all four
	// before asserting anything about them.
	var statuses []string
	sawImage := false
	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(statuses) < 3 || !sawImage {
		mt, data, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("read client frame: %v", err)
		}
		if mt == websocket.BinaryMessage {
			if string(data) != "fake-png-bytes" {
				t.Fatalf("image payload = %q, want stripped fake-png-bytes", data)
			}
			sawImage = true
			continue
		}
		var msg struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal status frame: %v", err)
		}
		if msg.Type != "workflow_status" || msg.RequestID != queued.RequestID {
			t.Fatalf("unexpected status frame: %+v", msg)
		}
		statuses = append(statuses, msg.Status)
	}

	want := []string{"queued", "running", "completed"}
	for i, s := range want {
		if statuses[i] != s {
			t.Fatalf("status[%d] = %q, want %q (full sequence %v)", i, statuses[i], s, statuses)
		}
	}
}
