package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/types"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxInboundSize = 4096

	// Size of the send buffer
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket connection. Frames are text-only JSON in both
// directions; compressed-looking input closes the connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	id          string
	connectedAt time.Time

	log *logging.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		id:          id,
		connectedAt: time.Now(),
		log:         logging.NewComponentLogger("ws-client").WithField("client", id),
	}
}

// ServeWS upgrades an HTTP request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = uuid.NewString()
	}
	client := newClient(h, conn, id)

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// trySend queues a frame without blocking. False means the buffer is
// full and the hub should treat the client as dead.
func (c *Client) trySend(raw []byte) bool {
	defer func() { _ = recover() }() // send channel may already be closed
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	defer func() { _ = recover() }()
	close(c.send)
}

// deliver serialises and queues one server message for this client only.
func (c *Client) deliver(msg ServerMessage) {
	raw, err := marshalMessage(msg)
	if err != nil {
		c.log.WithError(err).Warn("dropping unserialisable reply")
		return
	}
	c.trySend(raw)
}

// readPump consumes inbound frames until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Debug("read error")
			}
			return
		}

		if len(message) > 0 && message[0] == gzipMagic {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "compressed frames not accepted"),
				time.Now().Add(writeWait))
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid_message", "failed to parse message")
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump drains the send buffer onto the wire. Every frame goes out as
// a single uncompressed text message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case "subscribe":
		c.handleSubscribe(msg)
	case "unsubscribe":
		c.handleUnsubscribe(msg)
	case "ping":
		c.reply(msg, types.EventPong, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "get_status":
		c.handleGetStatus(msg)
	case "setPauseState":
		c.handleSetPauseState(msg)
	case "set_tps_mode":
		c.handleSetTPSMode(msg)
	case "get_tps_status":
		c.handleGetTPSStatus(msg)
	case "trigger_liquidation_cascade":
		c.handleTriggerCascade(msg)
	case "get_stress_capabilities":
		c.handleStressCapabilities(msg)
	default:
		c.sendError(msg.SimulationID, "unknown_type", "unknown message type: "+msg.Type)
	}
}

func (c *Client) handleSubscribe(msg *ClientMessage) {
	if msg.SimulationID == "" {
		c.sendError("", "invalid_subscription", "simulationId required")
		return
	}
	c.hub.Subscribe(msg.SimulationID, c)
	c.reply(msg, types.EventSubscribeResponse, map[string]any{
		"simulationId": msg.SimulationID,
		"subscribed":   true,
	})
}

func (c *Client) handleUnsubscribe(msg *ClientMessage) {
	if msg.SimulationID == "" {
		c.sendError("", "invalid_subscription", "simulationId required")
		return
	}
	c.hub.Unsubscribe(msg.SimulationID, c)
	c.reply(msg, types.EventUnsubscribeResponse, map[string]any{
		"simulationId": msg.SimulationID,
		"subscribed":   false,
	})
}

func (c *Client) handleGetStatus(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	status, err := c.hub.control.Status(msg.SimulationID)
	if err != nil {
		c.sendError(msg.SimulationID, "not_found", err.Error())
		return
	}
	c.reply(msg, types.EventSimulationState, status)
}

func (c *Client) handleSetPauseState(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		c.sendError(msg.SimulationID, "invalid_message", "paused flag required")
		return
	}
	if err := c.hub.control.SetPaused(msg.SimulationID, body.Paused); err != nil {
		c.sendError(msg.SimulationID, "invalid_state", err.Error())
		return
	}
	c.reply(msg, types.EventSimulationStatus, map[string]any{
		"simulationId": msg.SimulationID,
		"paused":       body.Paused,
	})
}

func (c *Client) handleSetTPSMode(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	var body struct {
		Mode types.TPSMode `json:"mode"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		c.sendError(msg.SimulationID, "invalid_message", "mode required")
		return
	}
	if err := c.hub.control.SetTPSMode(msg.SimulationID, body.Mode); err != nil {
		c.sendError(msg.SimulationID, "invalid_mode", err.Error())
		return
	}
	c.reply(msg, types.EventTPSModeChanged, map[string]any{
		"simulationId": msg.SimulationID,
		"mode":         body.Mode,
	})
}

func (c *Client) handleGetTPSStatus(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	status, err := c.hub.control.TPSStatus(msg.SimulationID)
	if err != nil {
		c.sendError(msg.SimulationID, "not_found", err.Error())
		return
	}
	c.reply(msg, types.EventExternalMetrics, status)
}

func (c *Client) handleTriggerCascade(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	result, err := c.hub.control.TriggerCascade(msg.SimulationID)
	if err != nil {
		c.sendError(msg.SimulationID, "invalid_mode", err.Error())
		return
	}
	c.reply(msg, types.EventLiquidationCascade, result)
}

func (c *Client) handleStressCapabilities(msg *ClientMessage) {
	if c.hub.control == nil {
		c.sendError(msg.SimulationID, "unavailable", "control plane not attached")
		return
	}
	c.reply(msg, "stress_capabilities", c.hub.control.StressCapabilities())
}

// reply sends a typed response tied to the request's simulation id.
func (c *Client) reply(msg *ClientMessage, eventType string, data any) {
	payload := data
	if msg.RequestID != "" {
		payload = map[string]any{"requestId": msg.RequestID, "result": data}
	}
	c.deliver(ServerMessage{
		SimulationID: msg.SimulationID,
		Event: types.Event{
			Type:      eventType,
			Timestamp: time.Now().UnixMilli(),
			Data:      payload,
		},
	})
}

func (c *Client) sendError(simulationID, code, message string) {
	c.deliver(ServerMessage{
		SimulationID: simulationID,
		Event: types.Event{
			Type:      types.EventError,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]string{"code": code, "message": message},
		},
	})
}
