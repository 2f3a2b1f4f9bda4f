package connmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfy-gateway/gateway/backendclient"
)

var upgrader = websocket.Upgrader{}

// fakeClient is an in-memory ClientConn for exercising Manager.Accept
// without a real network round trip.
type fakeClient struct {
	mu       sync.Mutex
	written  [][]byte
	toRead   chan []byte
	closed   bool
	jsonMsgs [][]byte
}

func newFakeClient() *fakeClient {
	return &fakeClient{toRead: make(chan []byte, 8)}
}

func (f *fakeClient) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.toRead
	if !ok {
		return 0, nil, websocket.ErrCloseSent
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeClient) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeClient) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsonMsgs = append(f.jsonMsgs, []byte("ok"))
	return nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toRead)
	}
	return nil
}

func echoBackendServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		sid := r.URL.Query().Get("clientId")
		if err := conn.WriteJSON(map[string]any{"event": "status", "data": map[string]string{"sid": sid}}); err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func TestAcceptAnnouncesCID(t *testing.T) {
	srv, wsURL := echoBackendServer(t)
	defer srv.Close()

	bc := backendclient.New(wsURL, time.Millisecond, 2)
	m := New(context.Background(), bc, time.Minute, 10*time.Millisecond, 100*time.Millisecond)

	client := newFakeClient()
	done := make(chan error, 1)
	go func() { done <- m.Accept(context.Background(), client, "") }()

	client.toRead <- []byte(`{"hello":"world"}`)
	time.Sleep(30 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Accept returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after client close")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.jsonMsgs) != 1 {
		t.Fatalf("expected exactly one JSON announce frame, got %d", len(client.jsonMsgs))
	}
	if len(client.written) != 1 || string(client.written[0]) != `{"hello":"world"}` {
		t.Fatalf("expected echoed frame, got %v", client.written)
	}
}

func TestAcceptFailsWhenBackendUnreachable(t *testing.T) {
	bc := backendclient.New("ws://127.0.0.1:1", time.Millisecond, 1)
	m := New(context.Background(), bc, time.Minute, time.Millisecond, 10*time.Millisecond)

	client := newFakeClient()
	defer client.Close()
	err := m.Accept(context.Background(), client, "")
	if err == nil {
		t.Fatal("expected error when backend is unreachable")
	}
}

func TestNotifyDeliversToLinkedClient(t *testing.T) {
	srv, wsURL := echoBackendServer(t)
	defer srv.Close()

	bc := backendclient.New(wsURL, time.Millisecond, 2)
	m := New(context.Background(), bc, time.Minute, 10*time.Millisecond, 100*time.Millisecond)

	client := newFakeClient()
	go m.Accept(context.Background(), client, "resume-cid")
	time.Sleep(30 * time.Millisecond)

	sid, ok := m.ResolveSID("resume-cid")
	if !ok {
		t.Fatal("expected cid to be paired")
	}
	if err := m.Notify(sid, map[string]string{"type": "workflow_status"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	client.mu.Lock()
	got := len(client.jsonMsgs)
	client.mu.Unlock()
	if got != 2 { // announce frame + notify
		t.Fatalf("jsonMsgs = %d, want 2", got)
	}
	client.Close()
}

func TestNotifyUnknownSID(t *testing.T) {
	bc := backendclient.New("ws://127.0.0.1:1", time.Millisecond, 1)
	m := New(context.Background(), bc, time.Minute, time.Millisecond, 10*time.Millisecond)
	if err := m.Notify("nope", map[string]string{}); err == nil {
		t.Fatal("expected error notifying an unknown sid")
	}
}

func TestAcceptReusesOpenBackendOnResume(t *testing.T) {
	srv, wsURL := echoBackendServer(t)
	defer srv.Close()

	bc := backendclient.New(wsURL, time.Millisecond, 2)
	m := New(context.Background(), bc, time.Minute, 10*time.Millisecond, 100*time.Millisecond)

	first := newFakeClient()
	go m.Accept(context.Background(), first, "resume-cid")
	time.Sleep(30 * time.Millisecond)

	sid, ok := m.ResolveSID("resume-cid")
	if !ok {
		t.Fatal("expected cid to be paired after first registration")
	}
	first.Close() // this attachment goes away; the backend leg must survive it
	time.Sleep(30 * time.Millisecond)

	second := newFakeClient()
	defer second.Close()
	done := make(chan error, 1)
	go func() { done <- m.Accept(context.Background(), second, "resume-cid") }()
	time.Sleep(30 * time.Millisecond)

	resumedSID, ok := m.ResolveSID("resume-cid")
	if !ok {
		t.Fatal("expected cid to still be paired after resume")
	}
	if resumedSID != sid {
		t.Fatalf("sid changed across resume: got %s, want reused %s (backend was never closed)", resumedSID, sid)
	}

	second.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not return after second client close")
	}
}

func TestBackendToClientGivesUpAfterMaxAttempts(t *testing.T) {
	srv, wsURL := echoBackendServer(t)

	bc := backendclient.New(wsURL, time.Millisecond, 1)
	m := New(context.Background(), bc, time.Minute, time.Millisecond, 5*time.Millisecond)

	client := newFakeClient()
	done := make(chan error, 1)
	go func() { done <- m.Accept(context.Background(), client, "dead-backend-cid") }()
	time.Sleep(30 * time.Millisecond)

	srv.Close() // backend goes away for good; reconnect attempts will all fail
	// Closing the test server leaves the already-upgraded socket open, so
	// sever the live backend leg as well.
	if p, ok := m.pairs.Get("dead-backend-cid"); ok {
		p.backendConn().Close()
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not return after backend went away")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.ResolveSID("dead-backend-cid"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := m.ResolveSID("dead-backend-cid"); ok {
		t.Fatal("expected pair to be evicted once reconnect attempts were exhausted")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.jsonMsgs) < 2 {
		t.Fatalf("expected an announce frame plus a final error frame, got %d json messages", len(client.jsonMsgs))
	}
}

func TestResolveSIDAfterPairing(t *testing.T) {
	srv, wsURL := echoBackendServer(t)
	defer srv.Close()

	bc := backendclient.New(wsURL, time.Millisecond, 2)
	m := New(context.Background(), bc, time.Minute, 10*time.Millisecond, 100*time.Millisecond)

	client := newFakeClient()
	go m.Accept(context.Background(), client, "resume-cid")

	time.Sleep(30 * time.Millisecond)
	sid, ok := m.ResolveSID("resume-cid")
	if !ok || sid == "" {
		t.Fatalf("ResolveSID(resume-cid) = %q, %v", sid, ok)
	}
	client.Close()
}
