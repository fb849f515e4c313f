package models

import (
	"encoding/json"
	"time"
)

// Operator is the sender name used for messages typed into the dashboard.
const Operator = "Me"

// Message is a chat record exchanged with a pod. Locally created messages
// carry only a ClientID; records from the Message Store carry a ServerID and,
// when the store echoes it, the originating ClientID.
type Message struct {
	ServerID   string `json:"_id,omitempty"`
	ClientID   string `json:"msgID,omitempty"`
	Sender     string `json:"sender"`
	Target     string `json:"target"`
	Text       string `json:"text"`
	Location   string `json:"location"`
	ReceivedAt string `json:"receivedAt,omitempty"`
}

// Key returns the identifier used for deduplication: the server id when
// present, otherwise the client id.
func (m Message) Key() string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.ClientID
}

// Outgoing reports whether the operator sent this message to node.
func (m Message) Outgoing(node string) bool {
	return m.Sender == Operator && m.Target == node
}

// UnmarshalJSON accepts the store's "receiver" and "gps" spellings in
// addition to "target" and "location".
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Receiver string `json:"receiver"`
		GPS      string `json:"gps"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	if m.Target == "" {
		m.Target = aux.Receiver
	}
	if m.Location == "" {
		m.Location = aux.GPS
	}
	return nil
}

// Submission is the body posted to the Message Store's send endpoint.
type Submission struct {
	ClientID string `json:"msgID,omitempty"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Text     string `json:"text"`
	Location string `json:"location"`
}

// StoredMessage is the Message Store's persisted form of a message.
type StoredMessage struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	ServerID  string `gorm:"size:36;not null;uniqueIndex"`
	ClientID  string `gorm:"size:64;index"`
	Sender    string `gorm:"size:64;not null;index"`
	Receiver  string `gorm:"size:64;not null;index"`
	Text      string `gorm:"type:text"`
	Location  string `gorm:"size:64"`
	CreatedAt time.Time
}

// ReceivedAtLayout formats display timestamps.
const ReceivedAtLayout = "1/2/2006, 3:04:05 PM"

// Wire converts a stored row into the JSON shape served to clients.
func (s StoredMessage) Wire() Message {
	return Message{
		ServerID:   s.ServerID,
		ClientID:   s.ClientID,
		Sender:     s.Sender,
		Target:     s.Receiver,
		Text:       s.Text,
		Location:   s.Location,
		ReceivedAt: s.CreatedAt.Format(ReceivedAtLayout),
	}
}
