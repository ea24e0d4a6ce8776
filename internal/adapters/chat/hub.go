// Package chat implements a persistent-socket Service Adapter
// (spec.md §4.6) grounded on the teacher's internal/gateway/websocket
// package: a Hub owning a registry of Clients, Clients pumping reads
// and writes over gorilla/websocket. Unlike the teacher's
// everything-over-one-socket API gateway, this Hub exists only to
// carry ACP bridge traffic: inbound chat mentions become
// BridgeSessionRequest/follow-up calls, outbound BridgeUpdates become
// socket frames addressed to whichever clients are watching a session.
package chat

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
)

// Hub manages every connected chat client and routes outbound frames
// to the clients subscribed to a given session.
type Hub struct {
	clients     map[*socketClient]bool
	subscribers map[string]map[*socketClient]bool // external_session_id -> clients

	register   chan *socketClient
	unregister chan *socketClient
	broadcast  chan outboundFrame

	mu  sync.RWMutex
	log *bridgelog.Logger
}

type outboundFrame struct {
	externalSessionID string
	frame              Frame
}

// NewHub constructs an idle Hub; call Run in its own goroutine.
func NewHub(log *bridgelog.Logger) *Hub {
	if log == nil {
		log = bridgelog.Default()
	}
	return &Hub{
		clients:     make(map[*socketClient]bool),
		subscribers: make(map[string]map[*socketClient]bool),
		register:    make(chan *socketClient),
		unregister:  make(chan *socketClient),
		broadcast:   make(chan outboundFrame, 256),
		log:         log.WithFields(zap.String("component", "chat_hub")),
	}
}

// Run drives client (un)registration and outbound frame fan-out until
// ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("chat hub started")
	defer h.log.Info("chat hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.removeClient(c)

		case f := <-h.broadcast:
			h.dispatch(f)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
	}
	h.clients = make(map[*socketClient]bool)
	h.subscribers = make(map[string]map[*socketClient]bool)
}

func (h *Hub) removeClient(c *socketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.closeSend()
	for sessionID := range c.watching {
		if peers, ok := h.subscribers[sessionID]; ok {
			delete(peers, c)
			if len(peers) == 0 {
				delete(h.subscribers, sessionID)
			}
		}
	}
}

// Subscribe attaches a client to a session's outbound update stream.
func (h *Hub) Subscribe(c *socketClient, externalSessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[externalSessionID]; !ok {
		h.subscribers[externalSessionID] = make(map[*socketClient]bool)
	}
	h.subscribers[externalSessionID][c] = true
	c.watching[externalSessionID] = true
}

// SendFrame enqueues an outbound frame for every client watching
// externalSessionID. Never blocks the caller: a full hub broadcast
// buffer drops the frame and logs, the same backpressure posture as
// the teacher's Hub.broadcastMessage.
func (h *Hub) SendFrame(externalSessionID string, frame Frame) {
	select {
	case h.broadcast <- outboundFrame{externalSessionID: externalSessionID, frame: frame}:
	default:
		h.log.Warn("chat hub broadcast buffer full, dropping frame",
			zap.String("external_session_id", externalSessionID))
	}
}

func (h *Hub) dispatch(f outboundFrame) {
	data, err := json.Marshal(f.frame)
	if err != nil {
		h.log.Error("failed to marshal outbound chat frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	peers := h.subscribers[f.externalSessionID]
	h.mu.RUnlock()

	for c := range peers {
		c.send(data)
	}
}
