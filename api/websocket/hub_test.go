package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/openalpha/market-sim/types"
)

func newTestClient(h *Hub) *Client {
	c := newClient(h, nil, "test-client")
	h.addClient(c)
	<-c.send // discard welcome
	return c
}

func drain(c *Client) [][]byte {
	var out [][]byte
	for {
		select {
		case raw := <-c.send:
			out = append(out, raw)
		default:
			return out
		}
	}
}

func decode(t *testing.T, raw []byte) ServerMessage {
	t.Helper()
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	return msg
}

func TestImmediateEventsPreserveOrder(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim", c)

	t1 := types.Event{Type: types.EventTrade, Timestamp: 1, Data: map[string]any{"id": "T1"}}
	t2 := types.Event{Type: types.EventTrade, Timestamp: 2, Data: map[string]any{"id": "T2"}}
	h.QueueUpdate("sim", t1)
	h.QueueUpdate("sim", t2)

	frames := drain(c)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	first := decode(t, frames[0])
	second := decode(t, frames[1])
	if first.Event.Timestamp != 1 || second.Event.Timestamp != 2 {
		t.Errorf("trade order violated: %d then %d", first.Event.Timestamp, second.Event.Timestamp)
	}
	for _, raw := range frames {
		if raw[0] == gzipMagic {
			t.Error("frame begins with gzip magic byte")
		}
	}
}

func TestBatchCoalescesIdempotentTypes(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim", c)

	for i := 1; i <= 5; i++ {
		h.QueueUpdate("sim", types.Event{
			Type:      types.EventOrderBook,
			Timestamp: int64(i),
			Data:      map[string]any{"seq": i},
		})
	}
	h.QueueUpdate("sim", types.Event{Type: types.EventPositionOpen, Timestamp: 6, Data: map[string]any{"p": 1}})
	h.QueueUpdate("sim", types.Event{Type: types.EventPositionClose, Timestamp: 7, Data: map[string]any{"p": 2}})
	h.Flush()

	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 batch", len(frames))
	}
	msg := decode(t, frames[0])
	if msg.Event.Type != types.EventBatchUpdate {
		t.Fatalf("event type = %s, want batch_update", msg.Event.Type)
	}

	data := msg.Event.Data.(map[string]any)
	updates := data["updates"].(map[string]any)
	if _, found := updates["type"]; found {
		t.Error("updates object contains a type key")
	}

	// Only the newest order book survives.
	book := updates["orderBook"].(map[string]any)
	if book["seq"].(float64) != 5 {
		t.Errorf("orderBook seq = %v, want 5", book["seq"])
	}
	// Both position events are retained.
	positions := updates["positions"].([]any)
	if len(positions) != 2 {
		t.Errorf("positions = %d entries, want 2", len(positions))
	}
	if data["updateCount"].(float64) != 7 {
		t.Errorf("updateCount = %v, want 7", data["updateCount"])
	}
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim", c)

	for i := 0; i < ringCap+10; i++ {
		h.QueueUpdate("sim", types.Event{
			Type:      types.EventPositionOpen,
			Timestamp: int64(i),
			Data:      map[string]any{"seq": i},
		})
	}
	h.Flush()

	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	msg := decode(t, frames[0])
	updates := msg.Event.Data.(map[string]any)["updates"].(map[string]any)
	positions := updates["positions"].([]any)
	if len(positions) != ringCap {
		t.Fatalf("batch kept %d entries, want %d", len(positions), ringCap)
	}
	// Oldest entries were dropped; the newest survives at the tail.
	last := positions[len(positions)-1].(map[string]any)
	if int(last["seq"].(float64)) != ringCap+9 {
		t.Errorf("tail seq = %v, want %d", last["seq"], ringCap+9)
	}
	if h.HealthCheck().DroppedEntries != 10 {
		t.Errorf("droppedEntries = %d, want 10", h.HealthCheck().DroppedEntries)
	}
}

func TestRemoveClientClearsBothIndexSides(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim-a", c)
	h.Subscribe("sim-b", c)

	h.RemoveClient(c)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.byClient[c]; ok {
		t.Error("client still present in byClient")
	}
	if _, ok := h.bySimulation["sim-a"]; ok {
		t.Error("client still subscribed to sim-a")
	}
	if _, ok := h.bySimulation["sim-b"]; ok {
		t.Error("client still subscribed to sim-b")
	}
}

func TestSlowClientEvicted(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim", c)

	// Fill the send buffer so the next delivery fails.
	for i := 0; i < sendBufferSize; i++ {
		if !c.trySend([]byte("x")) {
			t.Fatal("buffer filled early")
		}
	}
	h.SendDirect("sim", types.Event{Type: types.EventTrade, Timestamp: 1})

	if h.ClientCount() != 0 {
		t.Error("slow client not evicted")
	}
	if h.HealthCheck().ConnectionErrors != 1 {
		t.Errorf("connectionErrors = %d, want 1", h.HealthCheck().ConnectionErrors)
	}
}

func TestNonSerializablePayloadSanitised(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient(h)
	h.Subscribe("sim", c)

	h.QueueUpdate("sim", types.Event{
		Type:      types.EventPositionOpen,
		Timestamp: 1,
		Data: map[string]any{
			"wallet": "0xabc",
			"fn":     func() {}, // cannot marshal
		},
	})
	h.Flush()

	frames := drain(c)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	msg := decode(t, frames[0])
	updates := msg.Event.Data.(map[string]any)["updates"].(map[string]any)
	positions := updates["positions"].([]any)
	payload := positions[0].(map[string]any)
	if payload["fn"] != nonSerializable {
		t.Errorf("fn = %v, want %q marker", payload["fn"], nonSerializable)
	}
	// The serialisable rest of the payload survives.
	if payload["wallet"] != "0xabc" {
		t.Errorf("wallet = %v, want 0xabc", payload["wallet"])
	}
}

func TestSanitizeReplacesOnlyOffendingValues(t *testing.T) {
	in := map[string]any{
		"price": 4.2,
		"bad":   make(chan int),
		"nested": []any{
			"ok",
			func() {},
		},
	}
	out := sanitizeValue(in).(map[string]any)

	if out["price"] != 4.2 {
		t.Errorf("price = %v, want 4.2", out["price"])
	}
	if out["bad"] != nonSerializable {
		t.Errorf("bad = %v, want %q", out["bad"], nonSerializable)
	}
	nested := out["nested"].([]any)
	if nested[0] != "ok" {
		t.Errorf("nested[0] = %v, want ok", nested[0])
	}
	if nested[1] != nonSerializable {
		t.Errorf("nested[1] = %v, want %q", nested[1], nonSerializable)
	}
	if _, err := json.Marshal(out); err != nil {
		t.Fatalf("sanitised value still fails to marshal: %v", err)
	}
}

func TestValidateBatchContract(t *testing.T) {
	good := ServerMessage{
		SimulationID: "sim",
		Event: types.Event{
			Type:      types.EventBatchUpdate,
			Timestamp: time.Now().UnixMilli(),
			Data:      BatchData{Updates: map[string]any{"price": 1.0}, UpdateCount: 1},
		},
	}
	if err := validateBatch(good); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	noSim := good
	noSim.SimulationID = ""
	if err := validateBatch(noSim); err == nil {
		t.Error("batch without simulationId accepted")
	}

	badType := good
	badType.Event.Type = types.EventTrade
	if err := validateBatch(badType); err == nil {
		t.Error("non-batch event type accepted")
	}

	withTypeKey := good
	withTypeKey.Event.Data = BatchData{Updates: map[string]any{"type": "x"}, UpdateCount: 1}
	if err := validateBatch(withTypeKey); err == nil {
		t.Error("inner type key accepted")
	}
}

func TestMarshalRejectsGzipLookalike(t *testing.T) {
	// A JSON frame can never begin with 0x1F, so a well-formed message
	// always passes.
	raw, err := marshalMessage(ServerMessage{
		SimulationID: "sim",
		Event:        types.Event{Type: types.EventTrade, Timestamp: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] == gzipMagic {
		t.Error("serialised frame begins with gzip magic")
	}
}
