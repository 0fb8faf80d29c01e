package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

const (
	// EventRegister is sent by the client once the transport is ready.
	EventRegister = "register"
	// EventMessage carries a progress marker or the completion marker.
	EventMessage = "message"

	// CompleteMarker is the literal payload that ends an action.
	CompleteMarker = "complete"

	// MaxPayloadSize is the largest frame accepted from the worker (1 MB).
	MaxPayloadSize = 1 << 20
)

// ErrPayloadTooLarge is returned when an envelope exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("payload too large")

// ErrMalformed is returned for payloads that are neither a progress marker
// nor the completion marker.
var ErrMalformed = errors.New("malformed payload")

// ///////////////////////////////////////////////
// Envelope
// ///////////////////////////////////////////////

// Envelope is one websocket text frame: a named event and its data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope builds the JSON frame for event with data.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s data: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", event, err)
	}
	if len(frame) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(frame), MaxPayloadSize)
	}
	return frame, nil
}

// DecodeEnvelope parses a frame received from the worker.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	if len(frame) > MaxPayloadSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(frame), MaxPayloadSize)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// ///////////////////////////////////////////////
// Payload
// ///////////////////////////////////////////////

// Payload is a decoded worker message.
type Payload struct {
	// Complete is true for the completion marker.
	Complete  bool
	Completed int
	Total     int
}

// String renders the payload back into its wire form.
func (p Payload) String() string {
	if p.Complete {
		return CompleteMarker
	}
	return strconv.Itoa(p.Completed) + "/" + strconv.Itoa(p.Total)
}

// ParsePayload decodes the data of a message event, which is a JSON string
// holding either "<completed>/<total>" or "complete".
func ParsePayload(data json.RawMessage) (Payload, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return Payload{}, fmt.Errorf("%w: data is not a string", ErrMalformed)
	}
	return ParseMarker(s)
}

// ParseMarker decodes a bare marker string.
func ParseMarker(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	if s == CompleteMarker {
		return Payload{Complete: true}, nil
	}
	left, right, ok := strings.Cut(s, "/")
	if !ok {
		return Payload{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	completed, err1 := strconv.Atoi(left)
	total, err2 := strconv.Atoi(right)
	if err1 != nil || err2 != nil || completed < 0 || total < 0 {
		return Payload{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}
	if total > 0 && completed > total {
		return Payload{}, fmt.Errorf("%w: %q exceeds total", ErrMalformed, s)
	}
	return Payload{Completed: completed, Total: total}, nil
}
