// Package connmanager pairs an accepted client WebSocket connection with a
// backend engine connection and pumps frames between them for the life of
// the pair. It owns the cid<->sid dual index and the reconnect state
// machine for the backend side of each pair.
//
// This is the Go-shaped redesign of a Python implementation that tracked
// the same pair through nonlocal-mutated closures and asyncio.Task handles.
// Here each pair is an explicit struct, and the backend leg's pump runs as
// its own goroutine owned by the pair rather than by any one client
// attachment, torn down via context cancellation rather than Task.cancel().
package connmanager

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/comfy-gateway/gateway/backendclient"
	"github.com/comfy-gateway/gateway/gatewayerr"
	"github.com/comfy-gateway/gateway/idlemap"
	"github.com/comfy-gateway/gateway/metrics"
)

// State is a pair's position in the connection lifecycle.
type State string

const (
	StateInit         State = "init"
	StateLinked       State = "linked"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// frameHeaderLen is the length, in bytes, of the binary header the engine
// prepends to image frames before the actual payload. Its structure is not
// documented anywhere in the source this gateway was modeled on; it is
// stripped unconditionally based on observed wire behavior.
const frameHeaderLen = 8

// maxReconnectAttempts bounds the backend reconnect loop per spec.md §4.E's
// state diagram ("5 failed attempts, backoff ceiling reached"): once this
// many consecutive redial attempts have failed, the pair gives up rather
// than retrying forever.
const maxReconnectAttempts = 5

// lostBackendMessage is the mandated error frame sent to the client when the
// backend leg is given up on, per spec.md §4.E / §7.
const lostBackendMessage = "Lost connection to backend"

// ClientConn is the minimal surface connmanager needs from a client
// WebSocket connection, satisfied by *websocket.Conn.
type ClientConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	Close() error
}

// Pair tracks one client<->backend connection pairing. The backend leg's
// lifetime is owned by the pair itself (ctx/cancel), independent of any one
// client attachment, so a reconnecting client can reattach to a backend leg
// that outlived its previous client.
type Pair struct {
	CID string
	SID string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	client  ClientConn
	backend *backendclient.Conn
}

func (p *Pair) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pair) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// backendConn returns the pair's current backend leg. Reconnects swap this
// pointer under p.mu, so readers must go through here rather than touching
// p.backend directly.
func (p *Pair) backendConn() *backendclient.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend
}

// backendOpen reports whether the pair has a backend leg that hasn't been
// closed, the condition §4.E step 2 requires before reusing a pairing
// instead of dialing a fresh one.
func (p *Pair) backendOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend != nil && !p.backend.Closed()
}

// clientConn returns the currently attached client connection, or nil if no
// client is attached right now (the backend leg can outlive an attachment).
func (p *Pair) clientConn() ClientConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Manager owns all live pairs, indexed both ways, with idle eviction.
type Manager struct {
	rootCtx context.Context
	backend *backendclient.Client

	backoffBase time.Duration
	backoffCap  time.Duration

	mu       sync.Mutex
	cidToSID map[string]string
	sidToCID map[string]string

	pairs *idlemap.Map[*Pair]
}

// New returns a Manager that dials backend for each new pairing and evicts
// idle pairs after idleTTL. rootCtx governs every pair's backend-side
// lifecycle (the persistent backendToClient pump and its reconnect loop) —
// deliberately independent of any single HTTP request's context, so a
// backend leg survives the client attachment that first opened it and can
// be reattached by a future registration for the same cid, per §4.E step 2.
func New(rootCtx context.Context, backend *backendclient.Client, idleTTL, backoffBase, backoffCap time.Duration) *Manager {
	m := &Manager{
		rootCtx:     rootCtx,
		backend:     backend,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		cidToSID:    make(map[string]string),
		sidToCID:    make(map[string]string),
	}
	m.pairs = idlemap.New[*Pair](idleTTL, m.onPairEvicted)
	return m
}

func (m *Manager) onPairEvicted(cid string, p *Pair) {
	p.setState(StateClosed)
	if p.cancel != nil {
		p.cancel()
	}
	m.mu.Lock()
	sid := m.cidToSID[cid]
	delete(m.cidToSID, cid)
	delete(m.sidToCID, sid)
	m.mu.Unlock()

	p.mu.Lock()
	if p.client != nil {
		p.client.Close()
	}
	if p.backend != nil {
		p.backend.Close()
	}
	p.mu.Unlock()
}

// ResolveSID returns the backend session id paired with cid.
func (m *Manager) ResolveSID(cid string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.cidToSID[cid]
	return sid, ok
}

// pairFor returns the live pairing for cid. An existing pairing whose
// backend leg is still open is reused outright — no new sid, no new dial —
// matching §4.E step 2 and original_source's accept_client_connection
// (cid maps to an open backend_ws: "reuse it. No need to create a new
// connection."). Otherwise a fresh sid is minted, a backend connection is
// dialed, and a persistent backendToClient pump is started for the pair's
// whole lifetime, not just this attachment's.
func (m *Manager) pairFor(cid string) (pair *Pair, isNew bool, err error) {
	if existing, ok := m.pairs.Get(cid); ok && existing.backendOpen() {
		return existing, false, nil
	}

	sid := uuid.NewString()
	pairCtx, cancel := context.WithCancel(m.rootCtx)
	pair = &Pair{CID: cid, SID: sid, ctx: pairCtx, cancel: cancel, state: StateInit}

	backendConn, derr := m.backend.Connect(pairCtx, sid)
	if derr != nil {
		cancel()
		return nil, false, gatewayerr.ErrBackendUnavailable
	}
	pair.backend = backendConn

	m.mu.Lock()
	if oldSID, ok := m.cidToSID[cid]; ok {
		delete(m.sidToCID, oldSID)
	}
	m.cidToSID[cid] = sid
	m.sidToCID[sid] = cid
	m.mu.Unlock()
	m.pairs.Set(cid, pair)

	go m.backendToClient(pairCtx, pair)

	return pair, true, nil
}

// Accept pairs a newly upgraded client connection, optionally resuming a
// prior cid, and runs the client-to-backend pump until this attachment ends
// (the client disconnects, or the pair itself is torn down). It blocks for
// the life of this one attachment, not for the life of the backend leg,
// which may outlive it and be reattached later.
func (m *Manager) Accept(ctx context.Context, client ClientConn, resumeCID string) error {
	cid := resumeCID
	if cid == "" {
		cid = uuid.NewString()
	}

	pair, isNew, err := m.pairFor(cid)
	if err != nil {
		return err
	}

	pair.mu.Lock()
	pair.client = client
	pair.mu.Unlock()
	if !isNew {
		m.pairs.Refresh(cid)
	}

	if err := client.WriteJSON(map[string]string{"uuid": cid}); err != nil {
		pair.mu.Lock()
		if pair.client == client {
			pair.client = nil
		}
		pair.mu.Unlock()
		if isNew {
			// A brand-new dial that never got used — nothing to keep around.
			m.pairs.Pop(cid)
		}
		return gatewayerr.ErrClientGone
	}
	pair.setState(StateLinked)

	m.clientToBackend(ctx, pair, client)

	pair.mu.Lock()
	if pair.client == client {
		pair.client = nil
	}
	pair.mu.Unlock()
	return nil
}

// clientToBackend forwards text frames from this attached client to the
// backend for the life of one registration. It returns when the client
// disconnects or either this request's context or the pair's own context is
// cancelled — it never tears down the backend leg itself, since another
// attachment (or a future reconnect) may still want it.
func (m *Manager) clientToBackend(reqCtx context.Context, pair *Pair, client ClientConn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-reqCtx.Done():
			client.Close()
		case <-pair.ctx.Done():
			client.Close()
		case <-stop:
		}
	}()

	for {
		mt, data, err := client.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := pair.backendConn().Send(websocket.TextMessage, data); err != nil {
			// Backend side will notice on its own read and trigger reconnect.
			continue
		}
		m.pairs.Refresh(pair.CID)
	}
}

// backendToClient streams frames from the backend to whichever client is
// currently attached, stripping the observed binary frame header on image
// frames, and reconnects the backend leg with exponential backoff on
// transport failure. It runs for the whole lifetime of the pair, started
// once by pairFor, independent of any single client attachment — a frame
// arriving with no client attached is simply dropped, per §4.E's "queued or
// dropped" policy.
func (m *Manager) backendToClient(ctx context.Context, pair *Pair) {
	delay := m.backoffBase
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		mt, data, err := pair.backendConn().Recv()
		if err != nil {
			pair.setState(StateReconnecting)
			log.Printf("connmanager: backend leg for sid=%s lost: %v", pair.SID, err)

			metrics.BackendReconnects.Inc()
			attempts++
			conn, rerr := m.backend.Connect(ctx, pair.SID)
			if rerr != nil {
				if attempts >= maxReconnectAttempts {
					m.failPair(pair)
					return
				}
				if !sleepOrDone(ctx, delay) {
					return
				}
				delay = nextBackoff(delay, m.backoffCap)
				continue
			}

			pair.mu.Lock()
			if pair.backend != nil {
				pair.backend.Close()
			}
			pair.backend = conn
			pair.mu.Unlock()
			delay = m.backoffBase
			attempts = 0
			pair.setState(StateLinked)
			continue
		}

		if mt == websocket.BinaryMessage {
			if len(data) < frameHeaderLen {
				continue
			}
			data = data[frameHeaderLen:]
		}

		client := pair.clientConn()
		if client == nil {
			continue
		}
		if err := client.WriteMessage(mt, data); err != nil {
			pair.mu.Lock()
			if pair.client == client {
				pair.client = nil
			}
			pair.mu.Unlock()
			continue
		}
		m.pairs.Refresh(pair.CID)
	}
}

// failPair transitions pair to FAILED after exhausting reconnect attempts,
// notifies any currently attached client with the mandated error frame and a
// 1011 close (spec.md §4.E / §7), and evicts the pair.
func (m *Manager) failPair(pair *Pair) {
	pair.setState(StateFailed)
	if client := pair.clientConn(); client != nil {
		_ = client.WriteJSON(map[string]string{"error": lostBackendMessage})
		_ = client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(1011, lostBackendMessage))
	}
	m.pairs.Pop(pair.CID)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Notify sends v as a JSON text frame to the client paired with sid, if any
// pair for that sid is currently live. Used by the status listener to push
// workflow_status events to the right client without reaching into
// connmanager's pump goroutines.
func (m *Manager) Notify(sid string, v any) error {
	m.mu.Lock()
	cid, ok := m.sidToCID[sid]
	m.mu.Unlock()
	if !ok {
		return gatewayerr.ErrNotFound
	}

	pairVal, ok := m.pairs.Get(cid)
	if !ok {
		return gatewayerr.ErrNotFound
	}

	client := pairVal.clientConn()
	if client == nil {
		return gatewayerr.ErrClientGone
	}
	return client.WriteJSON(v)
}

// ActivePairs returns the number of currently live pairs.
func (m *Manager) ActivePairs() int {
	return m.pairs.Len()
}

// RunSweepForever evicts idle pairs on a fixed interval until ctx is done.
// One goroutine, started once at process startup, per spec §5.
func (m *Manager) RunSweepForever(ctx context.Context, interval time.Duration) {
	m.pairs.RunSweepForever(ctx, interval)
}

// EvictAll forcibly closes every live pair, used on graceful shutdown.
func (m *Manager) EvictAll() {
	for _, cid := range m.pairs.Keys() {
		m.pairs.Pop(cid)
	}
}
