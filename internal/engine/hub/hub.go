// Package hub fans live event notifications out to long-lived client
// connections grouped by channel subscription. Delivery is best-effort with
// no replay: a client connecting after a broadcast never sees it.
package hub

import (
	"sync"
	"time"

	cserrors "github.com/crosstalkmq/crosstalk/internal/engine/errors"
	"github.com/crosstalkmq/crosstalk/internal/engine/logging"
)

// SystemChannel is implicitly received by every connected client regardless
// of subscription.
const SystemChannel = "system"

// sinkBuffer bounds each client's outbound queue. A client that stops
// draining for this many messages is evicted instead of blocking broadcasts.
const sinkBuffer = 64

// Message is one notification delivered to a client sink.
type Message struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data"`
}

// Client is one live connection. Messages arrive on C; the hub owns the
// channel and closes it on disconnect or eviction.
type Client struct {
	ID     string
	UserID string
	C      <-chan Message

	sink chan Message
}

// ClientInfo is the read-only view returned by Clients.
type ClientInfo struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

type clientState struct {
	client        *Client
	subscriptions map[string]struct{}
	lastHeartbeat time.Time
	connectedAt   time.Time

	// sinkMu serializes sends against sink close so a broadcast racing a
	// disconnect can never write to a closed channel.
	sinkMu     sync.Mutex
	sinkClosed bool
}

// trySend reports whether the sink accepted the message. false means the sink
// is closed or full; the caller decides whether that evicts the client.
func (s *clientState) trySend(msg Message) bool {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sinkClosed {
		return false
	}
	select {
	case s.client.sink <- msg:
		return true
	default:
		return false
	}
}

func (s *clientState) closeSink() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if !s.sinkClosed {
		s.sinkClosed = true
		close(s.client.sink)
	}
}

// Options tunes the heartbeat loop. Zero values disable the loop, which tests
// use to drive ticks manually.
type Options struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
}

// Hub holds the set of live clients and their channel subscriptions.
type Hub struct {
	logger        logging.ServiceLogger
	clientTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*clientState
	closed  bool

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// New builds a Hub and, when opts enables it, starts the heartbeat loop.
func New(logger logging.ServiceLogger, opts Options) *Hub {
	h := &Hub{
		logger:        logger.With(logging.LogFields{"component": "notification_hub"}),
		clientTimeout: opts.ClientTimeout,
		clients:       make(map[string]*clientState),
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	if opts.HeartbeatInterval > 0 {
		go h.heartbeatLoop(opts.HeartbeatInterval)
	} else {
		close(h.heartbeatDone)
	}

	return h
}

// Connect registers a client and returns its outbound stream. Reconnecting
// with an ID that is already live replaces the old connection.
func (h *Hub) Connect(clientID, userID string) (*Client, error) {
	if clientID == "" {
		return nil, cserrors.ErrClientIDRequired
	}

	sink := make(chan Message, sinkBuffer)
	client := &Client{ID: clientID, UserID: userID, C: sink, sink: sink}
	now := time.Now()
	state := &clientState{
		client:        client,
		subscriptions: make(map[string]struct{}),
		lastHeartbeat: now,
		connectedAt:   now,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, cserrors.ErrHubClosed
	}
	if old, ok := h.clients[clientID]; ok {
		old.closeSink()
	}
	h.clients[clientID] = state
	h.mu.Unlock()

	h.logger.Info("client connected", logging.LogFields{
		"client_id": clientID,
		"user_id":   userID,
	})

	h.Send(clientID, Message{
		Event: "connected",
		Data: map[string]any{
			"clientId":  clientID,
			"timestamp": now.UTC().Format(time.RFC3339),
		},
	})

	return client, nil
}

// Subscribe adds channels to the client's subscription set. An unknown client
// is a warning-level no-op: the connection may have raced an eviction.
func (h *Hub) Subscribe(clientID string, channels ...string) {
	h.mu.Lock()
	state, ok := h.clients[clientID]
	if ok {
		for _, channel := range channels {
			state.subscriptions[channel] = struct{}{}
		}
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Info("subscribe for unknown client ignored", logging.LogFields{
			"client_id": clientID,
		})
		return
	}

	h.Send(clientID, Message{
		Event: "subscription_updated",
		Data: map[string]any{
			"subscribedChannels": h.subscriptionsOf(clientID),
		},
	})
}

// Unsubscribe removes channels from the client's subscription set.
func (h *Hub) Unsubscribe(clientID string, channels ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.clients[clientID]
	if !ok {
		return
	}
	for _, channel := range channels {
		delete(state.subscriptions, channel)
	}
}

func (h *Hub) subscriptionsOf(clientID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	subs := make([]string, 0, len(state.subscriptions))
	for channel := range state.subscriptions {
		subs = append(subs, channel)
	}
	return subs
}

// Broadcast writes msg to every client subscribed to channel at call time,
// plus every client via the implicit system channel. A sink that cannot
// accept the write evicts its client; the broadcast continues to the rest.
func (h *Hub) Broadcast(channel string, msg Message) {
	h.mu.Lock()
	targets := make([]*clientState, 0, len(h.clients))
	for _, state := range h.clients {
		if channel == SystemChannel {
			targets = append(targets, state)
			continue
		}
		if _, subscribed := state.subscriptions[channel]; subscribed {
			targets = append(targets, state)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("no subscribers for channel", logging.LogFields{"channel": channel})
		return
	}

	for _, state := range targets {
		h.deliver(state, msg)
	}
}

// Send writes msg to a single client. Unknown clients are ignored with a
// warning.
func (h *Hub) Send(clientID string, msg Message) {
	h.mu.Lock()
	state, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		h.logger.Info("send to unknown client ignored", logging.LogFields{
			"client_id": clientID,
		})
		return
	}
	h.deliver(state, msg)
}

// deliver writes without blocking. A full or closed sink means the client
// stopped draining; evict it so one slow consumer never stalls the
// broadcaster.
func (h *Hub) deliver(state *clientState, msg Message) {
	if state.trySend(msg) {
		h.mu.Lock()
		state.lastHeartbeat = time.Now()
		h.mu.Unlock()
		return
	}

	h.logger.Info("evicting unresponsive client", logging.LogFields{
		"client_id": state.client.ID,
	})
	h.Disconnect(state.client.ID)
}

// Disconnect removes the client and closes its sink.
func (h *Hub) Disconnect(clientID string) {
	h.mu.Lock()
	state, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	state.closeSink()
	h.logger.Info("client disconnected", logging.LogFields{"client_id": clientID})
}

// Clients returns a snapshot of every connected client.
func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	infos := make([]ClientInfo, 0, len(h.clients))
	for _, state := range h.clients {
		subs := make([]string, 0, len(state.subscriptions))
		for channel := range state.subscriptions {
			subs = append(subs, channel)
		}
		infos = append(infos, ClientInfo{
			ID:            state.client.ID,
			UserID:        state.client.UserID,
			Subscriptions: subs,
			LastHeartbeat: state.lastHeartbeat,
			ConnectedAt:   state.connectedAt,
		})
	}
	return infos
}

// Subscribers returns the IDs of the clients currently subscribed to channel.
func (h *Hub) Subscribers(channel string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	subscribers := make([]string, 0)
	for id, state := range h.clients {
		if _, ok := state.subscriptions[channel]; ok {
			subscribers = append(subscribers, id)
		}
	}
	return subscribers
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) heartbeatLoop(interval time.Duration) {
	defer close(h.heartbeatDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.SendHeartbeat()
			h.EvictStale()
		case <-h.stopHeartbeat:
			return
		}
	}
}

// SendHeartbeat writes a liveness message to every connected client.
func (h *Hub) SendHeartbeat() {
	h.Broadcast(SystemChannel, Message{
		Event: "heartbeat",
		Data: map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// EvictStale disconnects clients whose last heartbeat exceeds the timeout.
func (h *Hub) EvictStale() {
	if h.clientTimeout <= 0 {
		return
	}

	cutoff := time.Now().Add(-h.clientTimeout)

	h.mu.Lock()
	stale := make([]string, 0)
	for id, state := range h.clients {
		if state.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.logger.Info("removing stale client", logging.LogFields{"client_id": id})
		h.Disconnect(id)
	}
}

// Close disconnects every client and stops the heartbeat loop.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	states := make([]*clientState, 0, len(h.clients))
	for id, state := range h.clients {
		states = append(states, state)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, state := range states {
		state.closeSink()
	}

	close(h.stopHeartbeat)
	<-h.heartbeatDone
	return nil
}
