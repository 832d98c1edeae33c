// Package ws streams engine events to dashboard clients over WebSocket.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be below pongWait
	maxMessageSize = 4096
	sendBufferSize = 64

	defaultStatusEvery = 15 * time.Second

	maxReplay       = sendBufferSize / 2
	backfillPage    = 100
	backfillTimeout = 5 * time.Second
)

// Channel names a client can subscribe to.
const (
	ChannelCycle  = "ch:cycle"
	ChannelStatus = "ch:status"
)

// relayed are the bus channels forwarded to clients. Status frames are
// produced locally.
var relayed = []string{ChannelCycle}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS and auth middleware in front of /ws.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusFunc returns the engine part of a bot_status frame.
type StatusFunc func() any

// Config holds the metadata reported in status frames.
type Config struct {
	Mode      string
	Status    StatusFunc
	StartedAt time.Time
	// StatusEvery is the period of the ch:status push. Zero means 15s; a
	// negative value disables the push.
	StatusEvery time.Duration
	// Replay is how many recent ch:cycle events a new client receives after
	// the status frame, at most 32. ReplayStream names the bus stream that
	// seeds them at startup so history survives restarts.
	Replay       int
	ReplayStream string
}

type event struct {
	channel string
	data    []byte
}

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans engine events out to connected clients. Events come from the
// SignalBus when one is configured and from Broadcast otherwise.
type Hub struct {
	logger      *slog.Logger
	bus         domain.SignalBus
	mode        string
	status      StatusFunc
	startedAt   time.Time
	statusEvery time.Duration
	replay      int
	stream      string

	// recent is owned by Run.
	recent [][]byte

	events     chan event
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	every := cfg.StatusEvery
	if every == 0 {
		every = defaultStatusEvery
	}
	replay := min(max(cfg.Replay, 0), maxReplay)

	return &Hub{
		logger:      logger.With(slog.String("component", "ws_hub")),
		bus:         bus,
		mode:        mode,
		status:      cfg.Status,
		startedAt:   startedAt,
		statusEvery: every,
		replay:      replay,
		stream:      cfg.ReplayStream,
		events:      make(chan event, 256),
		register:    make(chan *client),
		unregister:  make(chan *client),
		done:        make(chan struct{}),
		clients:     make(map[*client]struct{}),
	}
}

// Broadcast queues data for the clients subscribed to channel. It never
// blocks; when the queue is full the message is dropped.
func (h *Hub) Broadcast(channel string, data []byte) {
	select {
	case h.events <- event{channel: channel, data: data}:
	default:
		h.logger.Warn("ws: queue full, dropping message", slog.String("channel", channel))
	}
}

// Run owns the client set until ctx is cancelled, then disconnects every
// client. New connections are refused after Run returns.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	if h.bus != nil {
		for _, ch := range relayed {
			go h.relay(ctx, ch)
		}
		h.backfill(ctx)
	}

	var tick <-chan time.Time
	if h.status != nil && h.statusEvery > 0 {
		t := time.NewTicker(h.statusEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			for _, data := range h.recent {
				c.send <- data
			}
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("clients", n))

		case ev := <-h.events:
			if ev.channel == ChannelCycle {
				h.remember(ev.data)
			}
			h.fanOut(ev)

		case <-tick:
			if data := h.statusFrame(); data != nil {
				h.fanOut(event{channel: ChannelStatus, data: data})
			}
		}
	}
}

// fanOut is only called from Run, which also owns closing client queues.
func (h *Hub) fanOut(ev event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isSubscribed(ev.channel) {
			continue
		}
		select {
		case c.send <- ev.data:
		default:
			h.logger.Debug("ws: slow client, message dropped", slog.String("channel", ev.channel))
		}
	}
}

// remember keeps data as one of the last h.replay cycle events. Events
// already held are ignored; a backfilled entry can arrive again through the
// relay.
func (h *Hub) remember(data []byte) {
	if h.replay == 0 {
		return
	}
	for _, r := range h.recent {
		if bytes.Equal(r, data) {
			return
		}
	}
	h.recent = append(h.recent, data)
	if over := len(h.recent) - h.replay; over > 0 {
		h.recent = slices.Delete(h.recent, 0, over)
	}
}

// backfill seeds the replay buffer from the bus stream, oldest first.
func (h *Hub) backfill(ctx context.Context) {
	if h.replay == 0 || h.stream == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, backfillTimeout)
	defer cancel()

	lastID := "0"
	for {
		msgs, err := h.bus.StreamRead(ctx, h.stream, lastID, backfillPage)
		if err != nil {
			h.logger.Warn("ws: replay backfill failed",
				slog.String("stream", h.stream),
				slog.String("error", err.Error()),
			)
			return
		}
		for _, m := range msgs {
			h.remember(m.Payload)
		}
		if len(msgs) < backfillPage {
			break
		}
		lastID = msgs[len(msgs)-1].ID
	}
	h.logger.Debug("ws: replay buffer seeded", slog.Int("events", len(h.recent)))
}

// relay forwards one bus channel into the hub until ctx ends.
func (h *Hub) relay(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: bus subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.events <- event{channel: channel, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) statusFrame() []byte {
	payload := map[string]any{
		"mode":           h.mode,
		"uptime_seconds": int64(max(time.Since(h.startedAt), 0).Seconds()),
	}
	if h.status != nil {
		payload["engine"] = h.status()
	}
	data, err := json.Marshal(frame{Type: "bot_status", Payload: payload})
	if err != nil {
		h.logger.Warn("ws: encode status", slog.String("error", err.Error()))
		return nil
	}
	return data
}

// HandleWS upgrades the request and registers the client. The first frame a
// client receives is a bot_status snapshot, followed by the replayed cycle
// events.
//
//	GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: map[string]bool{ChannelCycle: true, ChannelStatus: true},
	}
	if data := h.statusFrame(); data != nil {
		c.send <- data
	}

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg changes a client's channel set. Both
// {"action":"subscribe","channels":[...]} and the short
// {"subscribe":[...],"unsubscribe":[...]} are accepted.
type subscribeMsg struct {
	Action      string   `json:"action"`
	Channels    []string `json:"channels"`
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
}

func (m subscribeMsg) empty() bool {
	return m.Action == "" && len(m.Channels) == 0 && len(m.Subscribe) == 0 && len(m.Unsubscribe) == 0
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(data, &msg) == nil && !msg.empty() {
			c.handleSubscription(msg)
		}
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	add, remove := msg.Subscribe, msg.Unsubscribe
	switch msg.Action {
	case "subscribe":
		add = append(add, msg.Channels...)
	case "unsubscribe":
		remove = append(remove, msg.Channels...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range add {
		c.subs[ch] = true
	}
	for _, ch := range remove {
		delete(c.subs, ch)
	}
}

// isSubscribed matches exact names and trailing-* prefixes ("ch:*").
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
