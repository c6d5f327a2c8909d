package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"callcore/internal/audio"
	"callcore/internal/battery"
	"callcore/internal/permissions"
	"callcore/internal/sdp"
	"callcore/pkg/fsm"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
//   - The Hub tracks connected clients; each client has its own write pump so
//     one slow client never blocks the others.
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The first message on connect is "state_init" carrying stateSnapshot.
//   - Later messages are "<namespace>_changed" with the new namespace state.
//
// ============================================================================

// stateSnapshot is the JSON `data` payload of "state_init" and of the IPC
// "state" request.
type stateSnapshot struct {
	Battery     battery.State     `json:"battery"`
	Permissions permissions.State `json:"permissions"`
	Audio       audio.State       `json:"audio"`
	SDP         sdp.State         `json:"sdp"`
	Call        callSnapshot      `json:"call"`
	RTC         rtcSnapshot       `json:"rtc"`
}

// callSnapshot is the JSON `data` payload of "call_changed".
type callSnapshot struct {
	Stage fsm.ID `json:"stage"`
	Error string `json:"error,omitempty"`
}

// rtcSnapshot is the JSON `data` payload of "rtc_changed".
type rtcSnapshot struct {
	Stage    fsm.ID `json:"stage"`
	Strategy string `json:"strategy"`
	Error    string `json:"error,omitempty"`
}

func (d *daemon) snapshot() stateSnapshot {
	return stateSnapshot{
		Battery:     d.battery.State(),
		Permissions: d.permStore.State(),
		Audio:       d.audio.State(),
		SDP:         d.sdp.State(),
		Call:        d.callSnapshot(d.call.Stage()),
		RTC:         d.rtcSnapshot(d.rtc.Stage()),
	}
}

// wsOutboundEvent is a typed, externally consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // zero means now
}

// envelope is the wire format of WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEvent(ev wsOutboundEvent) ([]byte, error) {
	ts := ev.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
	gauge   metric.Int64UpDownCounter
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	SendBuf int
	// BroadcastBuf is the hub inbound broadcast queue size.
	BroadcastBuf int
	// Clients, if set, tracks the number of connected clients.
	Clients metric.Int64UpDownCounter
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
		gauge:      cfg.Clients,
	}
}

// Run processes hub events until ctx is canceled and then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.track(1)
			h.logger.Info("ws client registered", "client", c.id, "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Collect slow clients first, then remove them after unlocking.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) track(delta int64) {
	if h.gauge != nil {
		h.gauge.Add(context.Background(), delta)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		safeCloseChan(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.track(-int64(n))
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	// Closing send makes the write pump exit.
	safeCloseChan(c.send)
	h.track(-1)
	h.logger.Info("ws client disconnected", "client", c.id, "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // close of closed channel
	}()
	close(ch)
}

// BroadcastBytes enqueues a serialized frame for broadcast. It never
// blocks; when the hub queue is full the message is dropped.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	id   string
	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// batteryCoalesceWindow is how long bursty battery updates are merged
// (latest wins) before they are broadcast.
const batteryCoalesceWindow = 50 * time.Millisecond

func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *Client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Info("ws "+pump+" exiting (close)", "client", c.id, "code", code, "reason", text)
		return
	}
	c.logger.Info("ws "+pump+" exiting", "client", c.id, "error", err)
}

// writePump writes queued messages and pings. It exits on write error or
// when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming messages to notice disconnects and handle
// control frames, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for ctx.Err() == nil {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			break
		}
	}
	if c.hub != nil {
		c.hub.unregister <- c
	}
}

// ============================================================================
// HTTP handler
// ============================================================================

type StateServer struct {
	logger   *slog.Logger
	hub      *Hub
	snapshot func() stateSnapshot
}

// NewStateServer builds the WS endpoint. snapshot supplies the state_init
// payload for every new client.
func NewStateServer(logger *slog.Logger, hub *Hub, snapshot func() stateSnapshot) *StateServer {
	return &StateServer{logger: logger, hub: hub, snapshot: snapshot}
}

// Register registers the WS handler on mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// The snapshot is queued before registration so it is always the first
	// frame; later changes arrive through the hub.
	initMsg, err := marshalEvent(wsOutboundEvent{Type: "state_init", Data: s.snapshot()})
	if err != nil {
		s.logger.Warn("ws snapshot marshal failed", "error", err)
		_ = conn.Close()
		return
	}
	client.send <- initMsg
	s.hub.register <- client

	// The pumps must not use r.Context(): it ends when this handler returns.
	go client.writePump(context.Background())
	go client.readPump(context.Background())
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster marshals state events from src and broadcasts them to every
// hub client. battery_changed events are rate limited: the latest one is
// flushed at most once per batteryCoalesceWindow.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan wsOutboundEvent, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	var pending *wsOutboundEvent
	var timer *time.Timer
	var timerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		msg, err := marshalEvent(ev)
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		if pending == nil {
			return
		}
		emit(*pending)
		pending = nil
	}

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
		timer, timerCh = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			flushPending()
			stopTimer()

		case ev, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			// Latest wins; the window is not extended by further updates.
			if ev.Type == "battery_changed" {
				evCopy := ev
				pending = &evCopy
				if timer == nil {
					timer = time.NewTimer(batteryCoalesceWindow)
					timerCh = timer.C
				}
				continue
			}

			// Keep ordering: an older battery update goes out first.
			flushPending()
			stopTimer()
			emit(ev)
		}
	}
}
