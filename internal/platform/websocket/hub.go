// Package websocket exposes the ledger event stream over WebSockets. Each
// connection manages its own set of subscriptions through the relay; closing
// the connection releases all of them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/relay"
)

// Client actions.
const (
	actionSubscribeContract = "subscribe:contract"
	actionSubscribeBlocks   = "subscribe:blocks"
	actionUnsubscribe       = "unsubscribe"
)

// clientMessage is an inbound message from a WebSocket client.
type clientMessage struct {
	Action         string `json:"action"`
	EventName      string `json:"eventName"`
	SubscriptionID string `json:"subscriptionId"`
}

// controlMessage is an outbound acknowledgement or error.
type controlMessage struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	EventName      string `json:"eventName,omitempty"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Subscriber is the slice of the relay the handler needs.
type Subscriber interface {
	SubscribeContract(ctx context.Context, clientID, identity, pattern string, sink relay.Sink) (string, error)
	SubscribeBlocks(ctx context.Context, clientID, identity string, sink relay.Sink) (string, error)
	Unsubscribe(clientID, subID string)
	DropClient(clientID string)
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one WebSocket connection. It implements relay.Sink; relayed
// events and control replies share the outbound channel, and a full buffer
// drops the message rather than blocking the relay.
type Client struct {
	ID       string
	Identity string

	mu     sync.Mutex
	closed bool
	out    chan []byte
}

// NewClient creates a client for the given ledger identity.
func NewClient(identity string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Identity: identity,
		out:      make(chan []byte, 256),
	}
}

// Send implements relay.Sink.
func (c *Client) Send(msg relay.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) sendControl(msg controlMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- data:
	default:
		// Slow consumer; drop instead of blocking the relay.
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Hub tracks connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes a client and closes its outbound channel. Unknown
// clients are a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	client.close()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origins are enforced by the CORS layer
	},
}

// Handler upgrades HTTP connections and routes subscription messages to the
// relay.
type Handler struct {
	hub    *Hub
	relay  Subscriber
	logger zerolog.Logger
}

// NewHandler creates a handler bound to the hub and relay.
func NewHandler(hub *Hub, relay Subscriber, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		relay:  relay,
		logger: logger.With().Str("component", "ws_events").Logger(),
	}
}

// RegisterRoutes binds the event stream endpoint to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", h.HandleConnect)
}

// HandleConnect upgrades the connection and starts the read/write pumps. The
// authenticated ledger identity is fixed for the connection's lifetime.
func (h *Handler) HandleConnect(c echo.Context) error {
	identity := auth.IdentityFrom(c)
	if identity == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "ledger identity required")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(identity)
	h.hub.Register(client)
	h.logger.Debug().
		Str("client_id", client.ID).
		Str("identity", identity).
		Msg("client connected")

	// The request context dies as soon as this handler returns, which would
	// fail every later subscribe. The connection gets its own context that
	// lives until the read loop ends.
	ctx, cancel := context.WithCancel(context.Background())

	go h.writePump(client, ws)
	go func() {
		defer cancel()
		h.serve(ctx, client, &gorillaConnAdapter{ws})
	}()

	return nil
}

// serve runs the read loop and releases everything the connection held once
// it ends, whichever way it ends.
func (h *Handler) serve(ctx context.Context, client *Client, conn Conn) {
	defer func() {
		h.relay.DropClient(client.ID)
		h.hub.Unregister(client)
		conn.Close()
		h.logger.Debug().Str("client_id", client.ID).Msg("client disconnected")
	}()
	h.readLoop(ctx, client, conn)
}

// readLoop processes inbound messages until the connection errors out.
func (h *Handler) readLoop(ctx context.Context, client *Client, conn Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.sendControl(controlMessage{Type: "error", Message: "malformed message"})
			continue
		}
		h.handleMessage(ctx, client, msg)
	}
}

func (h *Handler) handleMessage(ctx context.Context, client *Client, msg clientMessage) {
	switch msg.Action {
	case actionSubscribeContract:
		if msg.EventName == "" {
			client.sendControl(controlMessage{Type: "error", Message: "eventName is required"})
			return
		}
		subID, err := h.relay.SubscribeContract(ctx, client.ID, client.Identity, msg.EventName, client)
		if err != nil {
			client.sendControl(subscribeError(err))
			return
		}
		client.sendControl(controlMessage{Type: "subscribed", SubscriptionID: subID, EventName: msg.EventName})

	case actionSubscribeBlocks:
		subID, err := h.relay.SubscribeBlocks(ctx, client.ID, client.Identity, client)
		if err != nil {
			client.sendControl(subscribeError(err))
			return
		}
		client.sendControl(controlMessage{Type: "subscribed", SubscriptionID: subID})

	case actionUnsubscribe:
		h.relay.Unsubscribe(client.ID, msg.SubscriptionID)
		client.sendControl(controlMessage{Type: "unsubscribed", SubscriptionID: msg.SubscriptionID})

	default:
		client.sendControl(controlMessage{Type: "error", Message: "unknown action " + msg.Action})
	}
}

func subscribeError(err error) controlMessage {
	return controlMessage{
		Type:    "error",
		Error:   string(ledger.ClassOf(err)),
		Message: err.Error(),
	}
}

// writePump drains the client's outbound channel to the socket.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.out {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
