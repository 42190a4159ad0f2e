package event

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecode_AllVariants(t *testing.T) {
	tests := []struct {
		name string
		in   Event
	}{
		{"connection_established", ConnectionEstablished{AccountID: "acc-1", AgentID: "agent-1", Timestamp: 1700000000000}},
		{"ping", Ping{Timestamp: 1700000000123}},
		{"message_start", MessageStart{MessageID: "msg-1", AgentName: "Copy Pro"}},
		{"content_delta", ContentDelta{MessageID: "msg-1", Content: "Hello wo"}},
		{"message_complete", MessageComplete{MessageID: "msg-1", Content: "Hello world"}},
		{"error", StreamError{Message: "provider timeout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			out, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != tt.in {
				t.Errorf("round-trip = %#v, want %#v", out, tt.in)
			}
		})
	}
}

func TestEncode_WireTypeField(t *testing.T) {
	data, err := Encode(ContentDelta{MessageID: "m", Content: "x"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "content_delta" {
		t.Errorf("type field = %v, want content_delta", raw["type"])
	}
	if raw["messageId"] != "m" {
		t.Errorf("messageId field = %v, want m", raw["messageId"])
	}
}

func TestEncode_EmptyContentPreserved(t *testing.T) {
	// An empty delta must still carry the content field so the client can
	// distinguish "empty text" from "no content".
	data, err := Encode(ContentDelta{MessageID: "m", Content: ""})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := raw["content"]; !ok {
		t.Error("content field missing for empty delta")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"resync"}`)); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}
