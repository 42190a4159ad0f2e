// Package event defines the server→client stream protocol as a closed tagged
// union. Adding a wire event means adding a variant here and handling it in
// every exhaustive switch, so protocol changes are compile-checked on both
// sides.
package event

import (
	"encoding/json"
	"fmt"
)

// Type discriminates wire events.
type Type string

// Wire event types.
const (
	TypeConnectionEstablished Type = "connection_established"
	TypePing                  Type = "ping"
	TypeMessageStart          Type = "message_start"
	TypeContentDelta          Type = "content_delta"
	TypeMessageComplete       Type = "message_complete"
	TypeError                 Type = "error"
)

// Event is the sealed union of stream events.
type Event interface {
	EventType() Type
	sealed()
}

// ConnectionEstablished acknowledges the stream handshake.
type ConnectionEstablished struct {
	AccountID string
	AgentID   string
	Timestamp int64 // unix millis
}

// Ping is a liveness keep-alive; no client action required.
type Ping struct {
	Timestamp int64 // unix millis
}

// MessageStart announces the beginning of an assistant turn.
type MessageStart struct {
	MessageID string
	AgentName string
}

// ContentDelta carries the full accumulated text so far, not a fragment.
// Clients apply it by replacement, which makes duplicate or reordered
// delivery harmless.
type ContentDelta struct {
	MessageID string
	Content   string
}

// MessageComplete carries the final text and ends the turn.
type MessageComplete struct {
	MessageID string
	Content   string
}

// StreamError aborts the current turn.
type StreamError struct {
	Message string
}

func (ConnectionEstablished) EventType() Type { return TypeConnectionEstablished }
func (Ping) EventType() Type                  { return TypePing }
func (MessageStart) EventType() Type          { return TypeMessageStart }
func (ContentDelta) EventType() Type          { return TypeContentDelta }
func (MessageComplete) EventType() Type       { return TypeMessageComplete }
func (StreamError) EventType() Type           { return TypeError }

func (ConnectionEstablished) sealed() {}
func (Ping) sealed()                  {}
func (MessageStart) sealed()          {}
func (ContentDelta) sealed()          {}
func (MessageComplete) sealed()       {}
func (StreamError) sealed()           {}

// envelope is the flat wire representation shared by all variants.
type envelope struct {
	Type      Type    `json:"type"`
	AccountID string  `json:"accountId,omitempty"`
	AgentID   string  `json:"agentId,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
	MessageID string  `json:"messageId,omitempty"`
	AgentName string  `json:"agentName,omitempty"`
	Content   *string `json:"content,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Encode serializes an event to its wire JSON object.
func Encode(e Event) ([]byte, error) {
	var env envelope
	switch v := e.(type) {
	case ConnectionEstablished:
		env = envelope{Type: v.EventType(), AccountID: v.AccountID, AgentID: v.AgentID, Timestamp: v.Timestamp}
	case Ping:
		env = envelope{Type: v.EventType(), Timestamp: v.Timestamp}
	case MessageStart:
		env = envelope{Type: v.EventType(), MessageID: v.MessageID, AgentName: v.AgentName}
	case ContentDelta:
		env = envelope{Type: v.EventType(), MessageID: v.MessageID, Content: &v.Content}
	case MessageComplete:
		env = envelope{Type: v.EventType(), MessageID: v.MessageID, Content: &v.Content}
	case StreamError:
		env = envelope{Type: v.EventType(), Error: v.Message}
	default:
		return nil, fmt.Errorf("encode: unknown event type %T", e)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType(), err)
	}
	return data, nil
}

// Decode parses a wire JSON object into its concrete variant.
// Unknown types are an error; callers decide whether to skip the frame.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	content := ""
	if env.Content != nil {
		content = *env.Content
	}

	switch env.Type {
	case TypeConnectionEstablished:
		return ConnectionEstablished{AccountID: env.AccountID, AgentID: env.AgentID, Timestamp: env.Timestamp}, nil
	case TypePing:
		return Ping{Timestamp: env.Timestamp}, nil
	case TypeMessageStart:
		return MessageStart{MessageID: env.MessageID, AgentName: env.AgentName}, nil
	case TypeContentDelta:
		return ContentDelta{MessageID: env.MessageID, Content: content}, nil
	case TypeMessageComplete:
		return MessageComplete{MessageID: env.MessageID, Content: content}, nil
	case TypeError:
		return StreamError{Message: env.Error}, nil
	default:
		return nil, fmt.Errorf("decode event: unknown type %q", env.Type)
	}
}
