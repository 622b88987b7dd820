package jsoncodec

import (
	"bytes"
	"testing"
)

type frame struct {
	EventType string `json:"event_type"`
	ChatID    string `json:"chat_id,omitempty"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := frame{EventType: "start_typing", ChatID: "c1"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"event_type":"start_typing","chat_id":"c1"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var out frame
	if err := UnmarshalString(string(data), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"event_type":"HEARTBEAT"}`)) {
		t.Fatal("expected valid document")
	}
	if Valid([]byte(`{"event_type":`)) {
		t.Fatal("expected truncated document to be invalid")
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := map[string]any{"event_type": "ping"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded map[string]any
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded["event_type"] != "ping" {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}
