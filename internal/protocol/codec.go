package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var null = json.RawMessage("null")

// Encode serializes an event name and payload into a text frame.
// A nil payload is sent as JSON null.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, errors.New("empty event name")
	}

	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
		data = null
	case json.RawMessage:
		data = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %q payload: %w", event, err)
		}
		data = raw
	}

	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode deserializes a text frame into an Envelope.
func Decode(frame []byte) (*Envelope, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope (%d bytes): %w", len(frame), err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope without event name (%d bytes)", len(frame))
	}
	if len(env.Data) == 0 {
		env.Data = null
	}
	return &env, nil
}
