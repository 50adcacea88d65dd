package relay

import "encoding/json"

// Message is one frame sent to relay clients
type Message struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	TypeEvent   = "event"
	TypeWelcome = "welcome"
)

// NewEventMessage wraps a raw venue frame for topic
func NewEventMessage(topic string, raw json.RawMessage) Message {
	return Message{Type: TypeEvent, Topic: topic, Data: raw}
}

func newWelcomeMessage(clientID string, topics []string) Message {
	data, _ := json.Marshal(map[string]interface{}{"client_id": clientID, "topics": topics})
	return Message{Type: TypeWelcome, Data: data}
}
