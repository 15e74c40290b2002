package stream

import (
	"encoding/json"
	"errors"
)

// Event types emitted by the backend.
const (
	TypeText       = "text"
	TypeThinking   = "thinking"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeError      = "error"
	TypeComplete   = "complete"
)

// Event is one decoded frame. Data holds the whole JSON payload, including
// the type field.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeError || e.Type == TypeComplete
}

// Text returns the most useful human-readable field of the payload:
// content, message, error or text, whichever is present first.
func (e Event) Text() string {
	var p struct {
		Content *string `json:"content"`
		Message *string `json:"message"`
		Error   *string `json:"error"`
		Text    *string `json:"text"`
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return ""
	}
	for _, s := range []*string{p.Content, p.Message, p.Error, p.Text} {
		if s != nil {
			return *s
		}
	}
	return ""
}

var errMissingType = errors.New(`payload has no string "type" field`)

func parseEvent(payload []byte) (Event, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Event{}, err
	}
	if head.Type == nil || *head.Type == "" {
		return Event{}, errMissingType
	}
	data := make(json.RawMessage, len(payload))
	copy(data, payload)
	return Event{Type: *head.Type, Data: data}, nil
}
