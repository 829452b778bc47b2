package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leafsii/leafsii-liquidity/internal/accrual"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/metrics"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
)

// Hub relays deposit notifications to WebSocket clients and runs accrual
// simulations on their behalf.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	cache      *store.Cache
	sim        *accrual.Simulator
	table      calc.Table
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	mu         sync.RWMutex
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	sessions *accrual.Sessions
	ctx      context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	topics     map[string]bool
	address    string
	lastActive time.Time
	closed     bool
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ClientRequest is any message a client sends. Type selects which fields
// apply: subscribe/unsubscribe use Topics, Address and Intent; simulate and
// stop_simulation use ID and the accrual fields.
type ClientRequest struct {
	Type               string           `json:"type"`
	Topics             []string         `json:"topics,omitempty"`
	Address            string           `json:"address,omitempty"`
	Intent             string           `json:"intent,omitempty"`
	ID                 string           `json:"id,omitempty"`
	Principal          decimal.Decimal  `json:"principal"`
	LockDurationMonths int              `json:"lockDurationMonths"`
	RatePercent        *decimal.Decimal `json:"ratePercent,omitempty"`
}

func NewHub(cache *store.Cache, sim *accrual.Simulator, table calc.Table, logger *zap.SugaredLogger, metrics *metrics.Metrics, allowedOrigins []string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		cache:      cache,
		sim:        sim,
		table:      table,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger:  logger,
		metrics: metrics,
	}
}

// originChecker allows same-origin requests and any listed origin. A "*"
// entry allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

func (h *Hub) Run(ctx context.Context) {
	sub := h.cache.Subscribe(ctx, store.ChannelUserPrefix+"*", store.ChannelIntentPrefix+"*")
	go h.forward(ctx, sub)
	go h.startClientCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Infow("WebSocket hub shutting down")
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncrementConnections(ctx)
			}
			h.logger.Debugw("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.DecrementConnections(ctx)
			}
			h.logger.Debugw("Client unregistered", "address", client.Address())
		}
	}
}

func (h *Hub) forward(ctx context.Context, sub store.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			h.handleNotification(msg)
		}
	}
}

func (h *Hub) handleNotification(msg *store.Message) {
	data, err := json.Marshal(Message{
		Type:      "notification",
		Topic:     msg.Channel,
		Data:      json.RawMessage(msg.Payload),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}
	h.broadcastToClients(data, msg.Channel)
}

func (h *Hub) broadcastToClients(message []byte, topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if client.isSubscribed(topic) && !client.enqueue(message) {
			h.logger.Debugw("Dropping message for slow client", "topic", topic)
		}
	}
}

func (h *Hub) startClientCleanup(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.cleanupInactiveClients()
		}
	}
}

func (h *Hub) cleanupInactiveClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-pongWait)
	for client := range h.clients {
		if client.idleSince().Before(cutoff) {
			delete(h.clients, client)
			client.close()
			h.logger.Debugw("Cleaned up inactive client", "address", client.Address())
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and starts the client's pumps.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		sessions:   accrual.NewSessions(h.sim),
		ctx:        ctx,
		cancel:     cancel,
		topics:     make(map[string]bool),
		lastActive: time.Now(),
	}
	if addr := r.URL.Query().Get("address"); addr != "" {
		client.subscribeAddress(addr)
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// enqueue queues message unless the client is closed or its buffer is full.
func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	c.cancel()
	go c.sessions.StopAll()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}

		c.touch()
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(typ, topic string, data interface{}) {
	msg := Message{Type: typ, Topic: topic, Timestamp: time.Now().Unix()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			c.hub.logger.Errorw("Failed to marshal reply", "type", typ, "error", err)
			return
		}
		msg.Data = raw
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(out)
}

func (c *Client) replyError(format string, err error) {
	c.reply("error", "", map[string]string{"message": format + ": " + err.Error()})
}

func (c *Client) handleMessage(message []byte) {
	var req ClientRequest
	if err := json.Unmarshal(message, &req); err != nil {
		c.hub.logger.Warnw("Invalid client message", "error", err)
		c.replyError("invalid message", err)
		return
	}

	switch req.Type {
	case "subscribe":
		c.mu.Lock()
		for _, topic := range req.Topics {
			c.topics[topic] = true
		}
		if req.Intent != "" {
			c.topics[store.ChannelIntent(req.Intent)] = true
		}
		c.mu.Unlock()
		if req.Address != "" {
			c.subscribeAddress(req.Address)
		}
		c.reply("subscribed", "", c.subscriptions())

	case "unsubscribe":
		c.mu.Lock()
		for _, topic := range req.Topics {
			delete(c.topics, topic)
		}
		if req.Intent != "" {
			delete(c.topics, store.ChannelIntent(req.Intent))
		}
		c.mu.Unlock()
		c.reply("unsubscribed", "", c.subscriptions())

	case "simulate":
		c.startSimulation(req)

	case "stop_simulation":
		id := simulationID(req.ID)
		if c.sessions.Stop(id) {
			c.reply("simulation_stopped", accrualTopic(id), nil)
		}

	default:
		c.reply("error", "", map[string]string{"message": "unknown message type " + req.Type})
	}
}

func (c *Client) subscribeAddress(addr string) {
	c.mu.Lock()
	c.address = addr
	c.topics[store.ChannelUser(addr)] = true
	c.mu.Unlock()
}

func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *Client) isSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic]
}

func simulationID(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

func accrualTopic(id string) string {
	return "accrual:" + id
}

func (c *Client) startSimulation(req ClientRequest) {
	id := simulationID(req.ID)
	rate := c.hub.table.RateFor(req.Principal)
	if req.RatePercent != nil {
		rate = *req.RatePercent
	}
	params := calc.AccrualParams{
		Principal:          req.Principal,
		AnnualRatePercent:  rate,
		LockDurationMonths: req.LockDurationMonths,
	}

	handle, created, err := c.sessions.Start(c.ctx, id, params)
	if err != nil {
		c.replyError("simulation rejected", err)
		return
	}
	if !created {
		return
	}

	if c.hub.metrics != nil {
		c.hub.metrics.AccrualStarted(c.ctx)
	}
	go c.pumpAccrual(id, handle)
}

func (c *Client) pumpAccrual(id string, handle *accrual.Handle) {
	defer func() {
		if c.hub.metrics != nil {
			c.hub.metrics.AccrualStopped(context.Background())
		}
	}()

	topic := accrualTopic(id)
	for snap := range handle.Snapshots() {
		c.reply("accrual", topic, snap)
	}
}
