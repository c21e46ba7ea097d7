// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package p2p is the coordinator's side of the authenticated
// best-effort broadcast/unicast channel the spec calls the P2P message
// transport (the XRouter / service-node network). It is an external
// collaborator in the spec's own terms: the wire format and peer
// discovery of the real network are out of scope, so this package
// implements only the shape the Swap Driver depends on (server/swap's
// Transport interface) over plain websocket connections, grounded on
// the reference comms server's client registry and upgrade handling.
package p2p

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/xswap-coordinator/xswapd/dex"
	"github.com/xswap-coordinator/xswapd/server/swap"
)

// writeWait bounds how long a single peer write may block before the
// hub gives up on that peer for this message.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// peer is one connected counterparty, identified by the chain address it
// announced at connect time.
type peer struct {
	addr string
	mtx  sync.Mutex
	conn *websocket.Conn
}

func (p *peer) writeJSON(v interface{}) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

// Hub is the coordinator's peer registry. A single Hub is a process-wide
// singleton, constructed explicitly and passed to both the HTTP router
// and the Swap Driver (as a swap.Transport).
type Hub struct {
	log dex.Logger

	mtx   sync.RWMutex
	peers map[string]*peer

	// inbound is fed every message received from any peer, for the
	// caller (typically the swap driver's RPC-adjacent dispatch loop)
	// to consume.
	inbound chan swap.Message
}

// NewHub constructs an empty Hub.
func NewHub(log dex.Logger) *Hub {
	return &Hub{
		log:     log,
		peers:   make(map[string]*peer),
		inbound: make(chan swap.Message, 256),
	}
}

// Inbound returns the channel of messages received from peers. The swap
// driver (or an adapter in front of it) should drain this continuously.
func (h *Hub) Inbound() <-chan swap.Message {
	return h.inbound
}

// Router returns the chi router mounting the websocket upgrade endpoint.
func (h *Hub) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/{addr}", h.handleUpgrade)
	return r
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if addr == "" {
		http.Error(w, "missing peer address", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("p2p: upgrade for %s: %v", addr, err)
		return
	}
	p := &peer{addr: addr, conn: conn}

	h.mtx.Lock()
	h.peers[addr] = p
	h.mtx.Unlock()

	h.log.Infof("p2p: peer %s connected", addr)
	go h.readLoop(p)
}

func (h *Hub) readLoop(p *peer) {
	defer func() {
		h.mtx.Lock()
		delete(h.peers, p.addr)
		h.mtx.Unlock()
		p.conn.Close()
		h.log.Infof("p2p: peer %s disconnected", p.addr)
	}()
	for {
		var msg swap.Message
		if err := p.conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Sender == "" {
			msg.Sender = p.addr
		}
		select {
		case h.inbound <- msg:
		default:
			h.log.Warnf("p2p: inbound queue full, dropping message from %s", p.addr)
		}
	}
}

// Broadcast sends msg to every connected peer, best effort: a single
// peer's write failure does not abort delivery to the rest.
func (h *Hub) Broadcast(ctx context.Context, msg swap.Message) error {
	h.mtx.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mtx.RUnlock()

	var firstErr error
	for _, p := range targets {
		if err := p.writeJSON(msg); err != nil {
			h.log.Warnf("p2p: broadcast to %s: %v", p.addr, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Send unicasts msg to the named peer, if connected.
func (h *Hub) Send(ctx context.Context, peerAddr string, msg swap.Message) error {
	h.mtx.RLock()
	p, ok := h.peers[peerAddr]
	h.mtx.RUnlock()
	if !ok {
		return fmt.Errorf("p2p: peer %s not connected", peerAddr)
	}
	return p.writeJSON(msg)
}

// Connected reports whether addr currently holds an open connection.
func (h *Hub) Connected(addr string) bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	_, ok := h.peers[addr]
	return ok
}
