package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/gardendex/pkg/app/core/events"
	"github.com/uhyunpark/gardendex/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced on the REST routes only.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Channel names clients can subscribe to.
const (
	ChannelAll         = "all"
	ChannelOrders      = "orders"
	ChannelSettlements = "settlements"
	prefixTrades       = "trades:"
	prefixPrices       = "prices:"
)

// channelsFor maps an event to the channels that carry it.
func channelsFor(ev events.Event) []string {
	chans := []string{ChannelAll}
	switch ev.Type {
	case events.TradeExecuted:
		chans = append(chans, prefixTrades+ev.Pair)
	case events.PriceUpdate:
		chans = append(chans, prefixPrices+ev.Pair)
	case events.SettlementPending, events.SettlementFinal, events.SettlementFailed:
		chans = append(chans, ChannelSettlements)
	default:
		chans = append(chans, ChannelOrders)
	}
	return chans
}

// Hub tracks WebSocket clients and fans events out to their channels.
// It is an events.Sink. Run must be called exactly once.
type Hub struct {
	mu      sync.RWMutex
	members map[*Client]struct{}

	joins  chan *Client
	leaves chan *Client
	done   chan struct{}

	log *zap.SugaredLogger
}

var _ events.Sink = (*Hub)(nil)

func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		members: make(map[*Client]struct{}),
		joins:   make(chan *Client),
		leaves:  make(chan *Client),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Run admits and removes clients until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.members {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.joins:
			h.mu.Lock()
			h.members[c] = struct{}{}
			n := len(h.members)
			h.mu.Unlock()
			h.log.Infow("ws_client_connected", "client", c.id, "total", n)

		case c := <-h.leaves:
			h.mu.Lock()
			if _, ok := h.members[c]; ok {
				h.dropLocked(c)
				h.log.Infow("ws_client_disconnected", "client", c.id, "total", len(h.members))
			}
			h.mu.Unlock()
		}
	}
}

// dropLocked forgets c and closes its outbound queue. Caller holds mu.
func (h *Hub) dropLocked(c *Client) {
	delete(h.members, c)
	close(c.send)
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.joins <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.leaves <- c:
	case <-h.done:
	}
}

// Publish forwards ev to every client subscribed to one of its channels.
func (h *Hub) Publish(ev events.Event) {
	for _, ch := range channelsFor(ev) {
		h.BroadcastToChannel(ch, ev)
	}
}

// BroadcastToChannel queues data for each subscriber of channel. Clients
// with a full queue miss the message.
func (h *Hub) BroadcastToChannel(channel string, data any) {
	payload, err := json.Marshal(WSMessage{Channel: channel, Data: data})
	if err != nil {
		h.log.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.members {
		if !c.IsSubscribed(channel) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			metrics.EventsDropped.WithLabelValues("ws").Inc()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Client is one WebSocket connection and its channel subscriptions.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subMu sync.RWMutex
	subs  map[string]bool
}

func (c *Client) IsSubscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[channel]
}

func (c *Client) setSubscribed(channels []string, on bool) {
	c.subMu.Lock()
	for _, ch := range channels {
		if on {
			c.subs[ch] = true
		} else {
			delete(c.subs, ch)
		}
	}
	c.subMu.Unlock()
	c.hub.log.Debugw("ws_subscriptions_changed", "client", c.id, "channels", channels, "subscribed", on)
}

// readPump applies subscribe/unsubscribe requests until the connection fails.
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.hub.log.Debugw("ws_invalid_message", "client", c.id, "err", err)
			continue
		}
		switch req.Op {
		case "subscribe", "unsubscribe":
			c.setSubscribed(req.Channels, req.Op == "subscribe")
		default:
			c.hub.log.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		kind := websocket.TextMessage
		var payload []byte
		select {
		case msg, open := <-c.send:
			if !open {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

// handleWebSocket upgrades the request. Channels named in ?channel= are
// subscribed before the first event can arrive.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade_failed", "err", err)
		return
	}

	c := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]bool),
	}
	for _, ch := range r.URL.Query()["channel"] {
		c.subs[ch] = true
	}

	if !s.hub.join(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
