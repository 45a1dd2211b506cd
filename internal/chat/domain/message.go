package domain

import (
	"encoding/json"
	"time"
)

// Message is a full message snapshot. Files are content-addressed references owned by the chat server.
type Message struct {
	ID        int64     `json:"id" validate:"gt=0"`
	ChatID    int64     `json:"chatId" validate:"gt=0"`
	SenderID  int64     `json:"senderId" validate:"gt=0"`
	Content   string    `json:"content"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageWire struct {
	ID             int64      `json:"id"`
	ChatID         *int64     `json:"chatId"`
	ChatIDSnake    *int64     `json:"chat_id"`
	SenderID       *int64     `json:"senderId"`
	SenderIDSnake  *int64     `json:"sender_id"`
	Content        string     `json:"content"`
	Files          []string   `json:"files"`
	CreatedAt      *Timestamp `json:"createdAt"`
	CreatedAtSnake *Timestamp `json:"created_at"`
}

// UnmarshalJSON decodes a message from either the camelCase or the snake_case key style.
func (m *Message) UnmarshalJSON(b []byte) error {
	var w messageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Message{ID: w.ID, Content: w.Content, Files: w.Files}
	if v := firstNonNil(w.ChatID, w.ChatIDSnake); v != nil {
		out.ChatID = *v
	}
	if v := firstNonNil(w.SenderID, w.SenderIDSnake); v != nil {
		out.SenderID = *v
	}
	if ts := firstNonNil(w.CreatedAt, w.CreatedAtSnake); ts != nil {
		out.CreatedAt = ts.Time()
	}
	if out.Files == nil {
		out.Files = []string{}
	}
	*m = out
	return nil
}
