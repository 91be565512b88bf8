// Package protocol defines the JSON wire envelope shared by every realtime channel.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Close codes sent when the server terminates a session.
const (
	CloseNormal          = 1000
	CloseSlowConsumer    = 1011
	CloseUnauthenticated = 4001
	CloseNotFound        = 4004
)

// Envelope is the wire unit: a JSON object with a "type" discriminator and free-form fields.
type Envelope struct {
	Type   string
	Fields map[string]any
}

// New builds an envelope of the given type. The fields map is owned by the envelope afterwards.
func New(typ string, fields map[string]any) Envelope {
	if fields == nil {
		fields = map[string]any{}
	}
	return Envelope{Type: typ, Fields: fields}
}

// Get returns a field value.
func (e Envelope) Get(key string) any {
	if e.Fields == nil {
		return nil
	}
	return e.Fields[key]
}

// MarshalJSON flattens the fields next to the type discriminator.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON splits the type discriminator from the remaining fields.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	delete(raw, "type")
	e.Type = typ
	e.Fields = raw
	return nil
}

// Encode serialises the envelope into a text frame.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Inbound is a decoded client frame whose payload is parsed lazily by the handler.
type Inbound struct {
	Type    string
	Payload json.RawMessage
}

// DecodeInbound extracts the type discriminator from a client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Inbound{}, Errorf(CodeInvalidPayload, "frame is not a JSON object")
	}
	head.Type = strings.TrimSpace(head.Type)
	if head.Type == "" {
		return Inbound{}, Errorf(CodeInvalidPayload, "frame is missing type")
	}
	return Inbound{Type: head.Type, Payload: json.RawMessage(data)}, nil
}

// DecodePayload unmarshals a handler payload, reporting malformed input as invalid_payload.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return Errorf(CodeInvalidPayload, "empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return Errorf(CodeInvalidPayload, "field %s has the wrong type", typeErr.Field)
		}
		return Errorf(CodeInvalidPayload, "malformed payload")
	}
	return nil
}
