// Package domain holds the chat and message snapshots carried by change notifications and stream events.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ChatType is the kind of chat; the wire form is camelCase.
type ChatType string

const (
	ChatTypeSingle         ChatType = "single"
	ChatTypeGroup          ChatType = "group"
	ChatTypePrivateChannel ChatType = "privateChannel"
	ChatTypePublicChannel  ChatType = "publicChannel"
)

// ErrUnknownChatType is returned when a chat type string matches none of the known types.
var ErrUnknownChatType = errors.New("unknown chat type")

// ParseChatType accepts camelCase, snake_case and PascalCase spellings (e.g. privateChannel,
// private_channel, PrivateChannel).
func ParseChatType(s string) (ChatType, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "single":
		return ChatTypeSingle, nil
	case "group":
		return ChatTypeGroup, nil
	case "privatechannel":
		return ChatTypePrivateChannel, nil
	case "publicchannel":
		return ChatTypePublicChannel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChatType, s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ChatType) UnmarshalText(b []byte) error {
	ct, err := ParseChatType(string(b))
	if err != nil {
		return err
	}
	*t = ct
	return nil
}

// Chat is a full post-mutation chat snapshot.
type Chat struct {
	ID          int64     `json:"id" validate:"gt=0"`
	WorkspaceID int64     `json:"wsId" validate:"gte=0"`
	Name        *string   `json:"name"`
	Type        ChatType  `json:"chatType"`
	Members     []int64   `json:"members" validate:"dive,gt=0"`
	CreatedAt   time.Time `json:"createdAt"`
}

// chatWire accepts both the camelCase wire form and the snake_case form produced by row_to_json.
type chatWire struct {
	ID             int64      `json:"id"`
	WsID           *int64     `json:"wsId"`
	WsIDSnake      *int64     `json:"ws_id"`
	Name           *string    `json:"name"`
	ChatType       *ChatType  `json:"chatType"`
	ChatTypeSnake  *ChatType  `json:"chat_type"`
	Type           *ChatType  `json:"type"`
	Members        []int64    `json:"members"`
	CreatedAt      *Timestamp `json:"createdAt"`
	CreatedAtSnake *Timestamp `json:"created_at"`
}

// UnmarshalJSON decodes a chat from either key style. Duplicate member ids are dropped, keeping
// first-seen order.
func (c *Chat) UnmarshalJSON(b []byte) error {
	var w chatWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Chat{ID: w.ID, Name: w.Name}
	if ws := firstNonNil(w.WsID, w.WsIDSnake); ws != nil {
		out.WorkspaceID = *ws
	}
	if ct := firstNonNil(w.ChatType, w.ChatTypeSnake, w.Type); ct != nil {
		out.Type = *ct
	}
	if ts := firstNonNil(w.CreatedAt, w.CreatedAtSnake); ts != nil {
		out.CreatedAt = ts.Time()
	}
	out.Members = lo.Uniq(w.Members)
	if out.Members == nil {
		out.Members = []int64{}
	}
	*c = out
	return nil
}

// DisplayName returns the chat name or "" when unnamed.
func (c *Chat) DisplayName() string {
	if c == nil || c.Name == nil {
		return ""
	}
	return *c.Name
}

// HasMember reports whether userID is in the member set.
func (c *Chat) HasMember(userID int64) bool {
	return c != nil && lo.Contains(c.Members, userID)
}

func firstNonNil[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
