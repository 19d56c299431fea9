package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voice-gateway/internal/calls"
)

// Handler receives decoded signaling messages. *Relay implements it.
type Handler interface {
	JoinCall(ctx context.Context, connID, callID, actorID string) (Connection, error)
	LeaveCall(ctx context.Context, connID string) error
	RelayOffer(ctx context.Context, connID, callID string, payload json.RawMessage) error
	RelayAnswer(ctx context.Context, connID, callID string, payload json.RawMessage) error
	RelayCandidate(ctx context.Context, connID, callID string, payload json.RawMessage) error
	Disconnect(ctx context.Context, connID string) error
}

// ErrSlowConsumer means a connection's send buffer is full; the connection is dropped.
var ErrSlowConsumer = errors.New("signaling: connection send buffer full")

type HubConfig struct {
	// AllowedOrigins lists accepted Origin headers. Empty allows any origin.
	AllowedOrigins []string

	// MessageRate and MessageBurst bound inbound messages per connection.
	MessageRate  rate.Limit
	MessageBurst int

	MaxMessageBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongWait        time.Duration
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MessageRate <= 0 {
		c.MessageRate = rate.Limit(20)
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 40
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	return c
}

// Hub is the WebSocket Transport. It owns the sockets and call groups; every decision
// about membership and payloads is delegated to the Handler.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader
	handler  Handler
	log      *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
	groups  map[string]map[string]struct{}

	newID func() string
}

type client struct {
	id      string
	actorID string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// message is the envelope for both directions.
type message struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func NewHub(cfg HubConfig, log *slog.Logger) *Hub {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		cfg:     cfg,
		log:     log.With("component", "signaling_hub"),
		clients: make(map[string]*client),
		groups:  make(map[string]map[string]struct{}),
		newID:   uuid.NewString,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Bind sets the message handler. It must be called before ServeWS.
func (h *Hub) Bind(handler Handler) {
	h.handler = handler
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actorID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{
		id:      h.newID(),
		actorID: actorID,
		conn:    ws,
		send:    make(chan []byte, h.cfg.SendBuffer),
		limiter: rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst),
		done:    make(chan struct{}),
	}
	h.register(c)
	log := h.log.With("conn_id", c.id, "actor_id", actorID)
	log.Info("signaling connection opened", "remote", r.RemoteAddr)

	go h.writePump(c)
	h.readPump(c, log)

	// Detached from the request: the socket is already gone.
	if err := h.handler.Disconnect(context.Background(), c.id); err != nil {
		log.Warn("disconnect cleanup failed", "err", err)
	}
	h.unregister(c)
	log.Info("signaling connection closed")
}

func (h *Hub) Join(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[group]
	if !ok {
		g = make(map[string]struct{})
		h.groups[group] = g
	}
	g[connID] = struct{}{}
}

func (h *Hub) Leave(connID, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[group]; ok {
		delete(g, connID)
		if len(g) == 0 {
			delete(h.groups, group)
		}
	}
}

func (h *Hub) Send(connID, event string, payload any) error {
	b, err := encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return h.enqueue(c, b)
}

func (h *Hub) BroadcastToGroup(group, event string, payload any, exclude ...string) error {
	b, err := encode(event, payload)
	if err != nil {
		return err
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		if _, excluded := skip[id]; excluded {
			continue
		}
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	var errs []error
	for _, c := range targets {
		if err := h.enqueue(c, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConnectionCount reports open sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close drops every socket. ServeWS loops then run their disconnect cleanup.
func (h *Hub) Close() {
	h.mu.RLock()
	cs := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()
	for _, c := range cs {
		c.close()
		_ = c.conn.Close()
	}
}

func (h *Hub) enqueue(c *client, b []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrUnknownConnection, c.id)
	default:
	}
	select {
	case c.send <- b:
		return nil
	default:
		h.log.Warn("dropping slow signaling connection", "conn_id", c.id)
		c.close()
		return fmt.Errorf("%w: %s", ErrSlowConsumer, c.id)
	}
}

func (h *Hub) readPump(c *client, log *slog.Logger) {
	defer func() {
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("signaling read failed", "err", err)
			}
			return
		}
		if !c.limiter.Allow() {
			h.reply(c, msg.Type, "rate_limited", "too many messages")
			continue
		}
		h.dispatch(c, msg, log)
	}
}

func (h *Hub) dispatch(c *client, msg message, log *slog.Logger) {
	ctx := context.Background()
	var err error

	switch msg.Type {
	case EventJoinCall:
		_, err = h.handler.JoinCall(ctx, c.id, msg.CallID, c.actorID)
	case EventLeaveCall:
		err = h.handler.LeaveCall(ctx, c.id)
	case EventOffer:
		err = h.handler.RelayOffer(ctx, c.id, msg.CallID, msg.Payload)
	case EventAnswer:
		err = h.handler.RelayAnswer(ctx, c.id, msg.CallID, msg.Payload)
	case EventICECandidate:
		err = h.handler.RelayCandidate(ctx, c.id, msg.CallID, msg.Payload)
	default:
		h.reply(c, msg.Type, "unsupported", fmt.Sprintf("unsupported message type %q", msg.Type))
		return
	}
	if err == nil {
		return
	}

	code := "internal"
	switch {
	case errors.Is(err, ErrNotInCall):
		code = "not_in_call"
	case errors.Is(err, ErrCallEnded):
		code = "call_ended"
	case errors.Is(err, calls.ErrNotFound):
		code = "not_found"
	default:
		log.Error("signaling message failed", "type", msg.Type, "call_id", msg.CallID, "err", err)
	}
	h.reply(c, msg.Type, code, err.Error())
}

func (h *Hub) reply(c *client, typ, code, text string) {
	b, err := encode(EventError, errorPayload{Code: code, Message: text, Type: typ})
	if err != nil {
		return
	}
	_ = h.enqueue(c, b)
}

func (h *Hub) writePump(c *client) {
	ping := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for name, g := range h.groups {
		delete(g, c.id)
		if len(g) == 0 {
			delete(h.groups, name)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return json.Marshal(message{Type: event, Payload: raw})
}
