// Package websocket pushes entitlement changes and upgrade requests to
// connected browser clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wabaconsole/console/internal/upgrade"
)

// Message types.
const (
	TypeWelcome          = "welcome"
	TypeEntitlements     = "entitlements"
	TypeUpgradeRequested = "upgradeRequested"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeRequestData      = "requestData"
)

const (
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
	pingInterval   = idleTimeout * 9 / 10
	maxInbound     = 64 << 10
	outboxCapacity = 256
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

func stamped(msg Message) Message {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	return msg
}

type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
}

// Hub fans entitlement and upgrade messages out to browser sessions. A single
// Run goroutine owns membership changes.
type Hub struct {
	joins    chan *client
	leaves   chan *client
	outgoing chan []byte
	closed   chan struct{}
	once     sync.Once

	mu       sync.RWMutex
	members  map[string]*client
	origins  []string
	snapshot func() interface{}

	upgrader websocket.Upgrader
}

// NewHub creates a hub. snapshot supplies the entitlement state sent to new
// clients and on requestData; it may be nil.
func NewHub(snapshot func() interface{}) *Hub {
	h := &Hub{
		joins:    make(chan *client),
		leaves:   make(chan *client),
		outgoing: make(chan []byte, outboxCapacity),
		closed:   make(chan struct{}),
		members:  make(map[string]*client),
		snapshot: snapshot,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     h.originAllowed,
	}
	return h
}

// SetAllowedOrigins sets the Origin patterns accepted on upgrade. "*" allows
// any origin; an empty list allows only same-host requests.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	h.origins = append([]string(nil), origins...)
	h.mu.Unlock()
}

func (h *Hub) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	h.mu.RLock()
	patterns := h.origins
	h.mu.RUnlock()

	if len(patterns) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	origin = strings.ToLower(origin)
	for _, p := range patterns {
		if p == "*" || wildcard.Match(strings.ToLower(p), origin) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Msg("Rejected WebSocket origin")
	return false
}

// Run owns client membership and delivery until ctx is done, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer h.once.Do(func() { close(h.closed) })

	for {
		select {
		case <-ctx.Done():
			h.dropAll()
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			if h.remove(c) {
				log.Info().Str("client", c.id).Msg("WebSocket client disconnected")
			}
		case frame := <-h.outgoing:
			h.fanOut(frame)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.members[c.id] = c
	h.mu.Unlock()
	log.Info().Str("client", c.id).Msg("WebSocket client connected")

	if frame, err := json.Marshal(Message{Type: TypeWelcome, Data: map[string]string{"clientId": c.id}}); err == nil {
		c.outbox <- frame
	}
	if frame, ok := h.stateFrame(); ok {
		c.outbox <- frame
	}
}

func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[c.id] != c {
		return false
	}
	delete(h.members, c.id)
	close(c.outbox)
	return true
}

func (h *Hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.members {
		delete(h.members, id)
		close(c.outbox)
	}
}

// fanOut queues frame for every member. A member whose outbox is full is
// disconnected rather than allowed to stall the hub.
func (h *Hub) fanOut(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.members {
		select {
		case c.outbox <- frame:
		default:
			delete(h.members, id)
			close(c.outbox)
			log.Warn().Str("client", id).Msg("Dropping slow WebSocket client")
		}
	}
}

func (h *Hub) stateFrame() ([]byte, bool) {
	if h.snapshot == nil {
		return nil, false
	}
	frame, err := json.Marshal(Message{Type: TypeEntitlements, Data: h.snapshot()})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode entitlement state")
		return nil, false
	}
	return frame, true
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		outbox: make(chan []byte, outboxCapacity),
	}
	select {
	case h.joins <- c:
	case <-h.closed:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// BroadcastMessage queues msg for every connected client. It never blocks; a
// full queue drops the message.
func (h *Hub) BroadcastMessage(msg Message) {
	msg = stamped(msg)
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode WebSocket message")
		return
	}
	select {
	case h.outgoing <- frame:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast queue full")
	}
}

// BroadcastEntitlements pushes a new entitlement state.
func (h *Hub) BroadcastEntitlements(state interface{}) {
	h.BroadcastMessage(Message{Type: TypeEntitlements, Data: state})
}

// BroadcastUpgrade forwards an upgrade request. It has the upgrade.Handler
// signature so it can be subscribed to the bus directly.
func (h *Hub) BroadcastUpgrade(req upgrade.Request) {
	h.BroadcastMessage(Message{Type: TypeUpgradeRequested, Data: req})
}

// ClientCount reports how many browser sessions are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

func (c *client) leave() {
	select {
	case c.hub.leaves <- c:
	case <-c.hub.closed:
	}
}

func (c *client) readLoop() {
	defer func() {
		c.leave()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInbound)
	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
	_ = extend("")
	c.conn.SetPongHandler(extend)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read failed")
			}
			return
		}
		c.handle(raw)
	}
}

func (c *client) handle(raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket frame")
		return
	}

	switch msg.Type {
	case TypePing:
		if frame, err := json.Marshal(stamped(Message{Type: TypePong})); err == nil {
			c.reply(frame)
		}
	case TypeRequestData:
		if frame, ok := c.hub.stateFrame(); ok {
			c.reply(frame)
		}
	default:
		log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled WebSocket message type")
	}
}

// reply queues frame for this client only, unless the hub already dropped it.
func (c *client) reply(frame []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.members[c.id] != c {
		return
	}
	select {
	case c.outbox <- frame:
	default:
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !open {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
