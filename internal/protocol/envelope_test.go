package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEnvelopeMarshalFlattensFields(t *testing.T) {
	env := New("exam_extended", map[string]any{"minutes_added": 5, "seconds_remaining": 600})
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "exam_extended" {
		t.Fatalf("expected type discriminator, got %v", decoded["type"])
	}
	if decoded["seconds_remaining"].(float64) != 600 {
		t.Fatalf("expected flattened field, got %v", decoded)
	}
}

func TestEnvelopeTypeCannotBeShadowedByFields(t *testing.T) {
	env := New("pong", map[string]any{"type": "spoofed"})
	data, _ := env.Encode()
	if !strings.Contains(string(data), `"type":"pong"`) {
		t.Fatalf("expected envelope type to win, got %s", data)
	}
}

func TestDecodeInboundRequiresType(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{"question_id":1}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := DecodeInbound([]byte(`not json`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload for garbage, got %v", err)
	}
	in, err := DecodeInbound([]byte(`{"type":" ping "}`))
	if err != nil || in.Type != "ping" {
		t.Fatalf("expected ping, got %+v err=%v", in, err)
	}
}

func TestDecodePayloadReportsWrongFieldType(t *testing.T) {
	var payload struct {
		TimeMs int `json:"time_ms"`
	}
	err := DecodePayload(json.RawMessage(`{"time_ms":"fast"}`), &payload)
	if !errors.Is(err, ErrInvalidPayload) || !strings.Contains(err.Error(), "time_ms") {
		t.Fatalf("expected field-specific invalid payload, got %v", err)
	}
}

func TestAsErrorHidesInternalDetails(t *testing.T) {
	err := fmt.Errorf("update competition: %w", errors.New("pq: connection refused"))
	perr := AsError(err)
	if perr.Code != CodeInternal || strings.Contains(perr.Message, "pq") {
		t.Fatalf("expected sanitised internal error, got %+v", perr)
	}

	wrapped := Internal(errors.New("disk full"))
	if !errors.Is(wrapped, ErrInternal) {
		t.Fatalf("expected Internal to match ErrInternal, got %v", wrapped)
	}
	env := ErrorEnvelope(wrapped)
	if env.Get("code") != "internal" || env.Get("message") != "internal error" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Errorf(CodeInvalidState, "exam is not active")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatal("expected code match")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("expected code mismatch")
	}
	if CodeOf(fmt.Errorf("ctx: %w", err)) != CodeInvalidState {
		t.Fatal("expected wrapped code to survive")
	}
}
