// Package feed implements the client side of the agent event feed: a
// WebSocket carrying small JSON frames that drive the hosted agent.
package feed

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Frame type and command names on the wire.
const (
	TypeHello   = "hello"
	TypeChat    = "chat"
	TypeRaw     = "raw"
	TypeControl = "control"
	CmdQuit     = "quit"
)

// Kind distinguishes feed messages.
type Kind int

const (
	KindChat Kind = iota
	KindRaw
	KindQuit
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindRaw:
		return "raw"
	case KindQuit:
		return "quit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one decoded inbound frame.
type Message struct {
	Kind Kind
	// Text is the prompt for KindChat.
	Text string
	// Payload is the base64 text for KindRaw; see Bytes.
	Payload string
}

// Bytes decodes a raw message's payload.
func (m Message) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}
	return data, nil
}

// Parse decodes a frame. It never fails: anything that is not a well-formed
// chat, raw or quit frame is delivered as a chat message whose text is the
// frame itself.
func Parse(frame []byte) Message {
	fallback := Message{Kind: KindChat, Text: string(frame)}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil || fields == nil {
		return fallback
	}

	switch stringField(fields, "type") {
	case TypeChat:
		return Message{Kind: KindChat, Text: stringField(fields, "text")}
	case TypeRaw:
		return Message{Kind: KindRaw, Payload: stringField(fields, "bytes_b64")}
	case TypeControl:
		if stringField(fields, "cmd") == CmdQuit {
			return Message{Kind: KindQuit}
		}
	}
	return fallback
}

// stringField returns a JSON string member, the literal JSON of a non-string
// member, or "" when absent or null.
func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

type helloFrame struct {
	Type string `json:"type"`
	PID  int    `json:"pid"`
}

// Hello returns the greeting sent as the first frame of every connection.
func Hello(pid int) []byte {
	data, _ := json.Marshal(helloFrame{Type: TypeHello, PID: pid})
	return data
}
