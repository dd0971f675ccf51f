package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/openalpha/market-sim/logging"
	"github.com/openalpha/market-sim/metrics"
	"github.com/openalpha/market-sim/types"
)

const (
	// flushInterval drives the batched delivery path.
	flushInterval = 25 * time.Millisecond

	// batchSize is the nominal batch; the per-sim ring holds twice this
	// and drops oldest entries on overflow.
	batchSize = 50
	ringCap   = 2 * batchSize
)

// immediateTypes bypass the batch ring and are dispatched per-event.
var immediateTypes = map[string]bool{
	types.EventPriceUpdate:      true,
	types.EventTrade:            true,
	types.EventProcessedTrade:   true,
	types.EventSimulationStatus: true,
	types.EventSimulationReset:  true,
	types.EventSimulationState:  true,
}

// idempotentTypes keep only the most recent entry within a batch.
var idempotentTypes = map[string]bool{
	types.EventPriceUpdate:     true,
	types.EventOrderBook:       true,
	types.EventExternalMetrics: true,
}

// batchKeys maps event types to their slot in the batch updates object.
var batchKeys = map[string]string{
	types.EventPriceUpdate:     "price",
	types.EventOrderBook:       "orderBook",
	types.EventExternalMetrics: "externalMarketMetrics",
	types.EventTrade:           "trades",
	types.EventProcessedTrade:  "processedTrades",
	types.EventPositionOpen:    "positions",
	types.EventPositionClose:   "positions",
	types.EventCandleUpdate:    "candles",
}

// clientMeta is the per-client side of the subscription index.
type clientMeta struct {
	simulations  map[string]bool
	lastUpdate   time.Time
	messageCount int64
}

// Stats is the hub health surface.
type Stats struct {
	Status           string `json:"status"`
	Clients          int    `json:"clients"`
	Simulations      int    `json:"simulations"`
	MessagesSent     int64  `json:"messagesSent"`
	ConnectionErrors int64  `json:"connectionErrors"`
	CorruptBatches   int64  `json:"corruptBatches"`
	DroppedEntries   int64  `json:"droppedEntries"`
}

// Hub is the fan-out layer between the simulation engines and connected
// clients. Events arrive through QueueUpdate; immediate types go straight
// out, everything else rides the 25 ms batch flusher. The subscription
// index is two maps kept consistent under one mutex so a disconnect
// removes a client from both sides atomically.
type Hub struct {
	mu           sync.RWMutex
	bySimulation map[string]map[*Client]bool
	byClient     map[*Client]*clientMeta

	rings map[string][]types.Event

	register   chan *Client
	unregister chan *Client

	control ControlPlane

	messagesSent     int64
	connectionErrors int64
	corruptBatches   int64
	droppedEntries   int64

	log *logging.Logger
}

// ControlPlane is the slice of the engine surface the websocket command
// channel needs.
type ControlPlane interface {
	Status(simulationID string) (any, error)
	SetPaused(simulationID string, paused bool) error
	SetTPSMode(simulationID string, mode types.TPSMode) error
	TPSStatus(simulationID string) (any, error)
	TriggerCascade(simulationID string) (types.CascadeResult, error)
	StressCapabilities() any
}

// NewHub creates a hub wired to the given control plane.
func NewHub(control ControlPlane) *Hub {
	return &Hub{
		bySimulation: make(map[string]map[*Client]bool),
		byClient:     make(map[*Client]*clientMeta),
		rings:        make(map[string][]types.Event),
		register:     make(chan *Client, 64),
		unregister:   make(chan *Client, 64),
		control:      control,
		log:          logging.NewComponentLogger("hub"),
	}
}

// Run owns registration and the batch flusher until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	flusher := time.NewTicker(flushInterval)
	defer flusher.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.RemoveClient(client)
		case <-flusher.C:
			h.Flush()
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.byClient[client] = &clientMeta{
		simulations: make(map[string]bool),
		lastUpdate:  time.Now(),
	}
	h.mu.Unlock()
	metrics.GetCollector().WSConnectionsActive.Inc()

	client.deliver(ServerMessage{
		Event: types.Event{
			Type:      types.EventWelcome,
			Timestamp: time.Now().UnixMilli(),
			Data:      map[string]any{"clientId": client.id},
		},
	})
}

// Subscribe attaches a client to a simulation's event stream.
func (h *Hub) Subscribe(simulationID string, client *Client) {
	h.mu.Lock()
	if _, ok := h.bySimulation[simulationID]; !ok {
		h.bySimulation[simulationID] = make(map[*Client]bool)
	}
	h.bySimulation[simulationID][client] = true
	if meta, ok := h.byClient[client]; ok {
		meta.simulations[simulationID] = true
		meta.lastUpdate = time.Now()
	}
	h.mu.Unlock()
}

// Unsubscribe detaches a client from one simulation.
func (h *Hub) Unsubscribe(simulationID string, client *Client) {
	h.mu.Lock()
	if clients, ok := h.bySimulation[simulationID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.bySimulation, simulationID)
		}
	}
	if meta, ok := h.byClient[client]; ok {
		delete(meta.simulations, simulationID)
	}
	h.mu.Unlock()
}

// RemoveClient drops a client from both index sides atomically and closes
// its send channel.
func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	meta, ok := h.byClient[client]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byClient, client)
	for simID := range meta.simulations {
		if clients, sub := h.bySimulation[simID]; sub {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.bySimulation, simID)
			}
		}
	}
	h.mu.Unlock()
	metrics.GetCollector().WSConnectionsActive.Dec()

	client.closeSend()
}

// QueueUpdate accepts one event for a simulation. Immediate types
// dispatch now; everything else lands in the per-sim ring for the next
// flush, dropping the oldest entry when the ring is full.
func (h *Hub) QueueUpdate(simulationID string, ev types.Event) {
	if immediateTypes[ev.Type] {
		h.SendDirect(simulationID, ev)
		return
	}

	h.mu.Lock()
	ring := h.rings[simulationID]
	if len(ring) >= ringCap {
		copy(ring, ring[1:])
		ring = ring[:ringCap-1]
		h.droppedEntries++
	}
	h.rings[simulationID] = append(ring, ev)
	h.mu.Unlock()
}

// SendDirect serialises one event and fans it out to the simulation's
// subscribers, skipping the batch path.
func (h *Hub) SendDirect(simulationID string, ev types.Event) {
	raw, err := marshalMessage(ServerMessage{SimulationID: simulationID, Event: ev})
	if err != nil {
		h.mu.Lock()
		h.corruptBatches++
		h.mu.Unlock()
		h.log.WithError(err).WithField("type", ev.Type).Warn("dropping unserialisable event")
		return
	}
	h.fanOut(simulationID, raw)
}

// BroadcastToAll delivers one event to every connected client regardless
// of subscriptions.
func (h *Hub) BroadcastToAll(ev types.Event) {
	raw, err := marshalMessage(ServerMessage{SimulationID: "*", Event: ev})
	if err != nil {
		h.log.WithError(err).Warn("dropping unserialisable broadcast")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byClient))
	for c := range h.byClient {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.send(c, raw)
	}
}

// Flush drains every ring into one batch envelope per simulation.
func (h *Hub) Flush() {
	h.mu.Lock()
	pending := make(map[string][]types.Event, len(h.rings))
	for simID, ring := range h.rings {
		if len(ring) > 0 {
			pending[simID] = ring
			h.rings[simID] = nil
		}
	}
	h.mu.Unlock()

	for simID, events := range pending {
		h.flushSim(simID, events)
	}
}

func (h *Hub) flushSim(simulationID string, events []types.Event) {
	updates := make(map[string]any)
	count := 0
	for _, ev := range events {
		key, ok := batchKeys[ev.Type]
		if !ok {
			key = ev.Type
		}
		if key == "type" {
			continue
		}
		value := sanitizeValue(ev.Data)
		if idempotentTypes[ev.Type] {
			updates[key] = value
		} else {
			list, _ := updates[key].([]any)
			updates[key] = append(list, value)
		}
		count++
	}
	if count == 0 {
		return
	}

	now := time.Now().UnixMilli()
	msg := ServerMessage{
		SimulationID: simulationID,
		Event: types.Event{
			Type:      types.EventBatchUpdate,
			Timestamp: now,
			Data: BatchData{
				Updates:        updates,
				UpdateCount:    count,
				BatchTimestamp: now,
			},
		},
	}

	if err := validateBatch(msg); err != nil {
		h.mu.Lock()
		h.corruptBatches++
		h.mu.Unlock()
		metrics.GetCollector().WSCorruptBatches.Inc()
		h.log.WithError(err).Warn("dropping corrupt batch")
		return
	}
	raw, err := marshalMessage(msg)
	if err != nil {
		h.mu.Lock()
		h.corruptBatches++
		h.mu.Unlock()
		metrics.GetCollector().WSCorruptBatches.Inc()
		h.log.WithError(err).Warn("dropping corrupt batch")
		return
	}
	metrics.GetCollector().WSBatchSize.WithLabelValues(simulationID).Observe(float64(count))
	if len(raw) > maxMessageBytes {
		h.log.WithFields(map[string]any{
			"simulation": simulationID,
			"bytes":      len(raw),
		}).Warn("batch exceeds size ceiling")
	}

	h.fanOut(simulationID, raw)
}

// fanOut pushes a serialised frame to every subscriber of a simulation.
func (h *Hub) fanOut(simulationID string, raw []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.bySimulation[simulationID]))
	for c := range h.bySimulation[simulationID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.send(c, raw)
	}
}

// send delivers a frame to one client; a full buffer counts as a
// connection error and evicts the client so one slow reader cannot stall
// the rest.
func (h *Hub) send(c *Client, raw []byte) {
	if c.trySend(raw) {
		h.mu.Lock()
		h.messagesSent++
		if meta, ok := h.byClient[c]; ok {
			meta.messageCount++
			meta.lastUpdate = time.Now()
		}
		h.mu.Unlock()
		metrics.GetCollector().WSMessagesTotal.WithLabelValues("/ws").Inc()
		return
	}
	h.mu.Lock()
	h.connectionErrors++
	h.mu.Unlock()
	metrics.GetCollector().WSConnectionErrors.Inc()
	h.RemoveClient(c)
}

// HealthCheck reports the hub surface for the stats endpoint.
func (h *Hub) HealthCheck() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := "healthy"
	if h.connectionErrors > 0 || h.corruptBatches > 0 {
		status = "warning"
	}
	return Stats{
		Status:           status,
		Clients:          len(h.byClient),
		Simulations:      len(h.bySimulation),
		MessagesSent:     h.messagesSent,
		ConnectionErrors: h.connectionErrors,
		CorruptBatches:   h.corruptBatches,
		DroppedEntries:   h.droppedEntries,
	}
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.byClient))
	for c := range h.byClient {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byClient)
}
