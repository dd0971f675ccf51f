package websocket

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openalpha/market-sim/types"
)

const (
	// gzipMagic is the first byte of a gzip stream. Frames are plain
	// JSON text; anything that looks compressed is rejected on both
	// directions.
	gzipMagic = 0x1F

	// maxMessageBytes is the serialised batch ceiling. Larger batches
	// are sent but logged loudly.
	maxMessageBytes = 1 << 20

	nonSerializable = "[Non-serializable]"
)

var (
	ErrCompressedPayload = errors.New("payload begins with gzip magic byte")
	ErrInvalidBatch      = errors.New("invalid batch envelope")
)

// ServerMessage is the server-to-client envelope.
type ServerMessage struct {
	SimulationID string      `json:"simulationId"`
	Event        types.Event `json:"event"`
}

// ClientMessage is the client-to-server envelope.
type ClientMessage struct {
	Type         string          `json:"type"`
	SimulationID string          `json:"simulationId,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// BatchData is the inner payload of a batch_update event. It carries no
// type field of its own so clients cannot mis-dispatch it.
type BatchData struct {
	Updates        map[string]any `json:"updates"`
	UpdateCount    int            `json:"updateCount"`
	BatchTimestamp int64          `json:"batchTimestamp"`
}

// sanitizeValue returns a value guaranteed to serialise. Maps and slices
// are walked so only the offending nested values are replaced by the
// non-serialisable marker; everything that does marshal survives intact.
func sanitizeValue(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = sanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = sanitizeValue(val)
		}
		return out
	default:
		return nonSerializable
	}
}

// marshalMessage serialises an envelope, sanitising the event payload and
// refusing output that looks compressed.
func marshalMessage(msg ServerMessage) ([]byte, error) {
	msg.Event.Data = sanitizeValue(msg.Event.Data)
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(raw) > 0 && raw[0] == gzipMagic {
		return nil, ErrCompressedPayload
	}
	return raw, nil
}

// validateBatch enforces the batch contract before a frame goes out:
// a simulationId, a batch_update event type, an updates object with no
// inner type key, and a numeric updateCount.
func validateBatch(msg ServerMessage) error {
	if msg.SimulationID == "" {
		return fmt.Errorf("%w: missing simulationId", ErrInvalidBatch)
	}
	if msg.Event.Type != types.EventBatchUpdate {
		return fmt.Errorf("%w: event type %q", ErrInvalidBatch, msg.Event.Type)
	}
	data, ok := msg.Event.Data.(BatchData)
	if !ok {
		return fmt.Errorf("%w: data is not a batch payload", ErrInvalidBatch)
	}
	if data.Updates == nil {
		return fmt.Errorf("%w: missing updates object", ErrInvalidBatch)
	}
	if _, found := data.Updates["type"]; found {
		return fmt.Errorf("%w: updates must not contain a type key", ErrInvalidBatch)
	}
	return nil
}
