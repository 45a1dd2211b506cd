// Package domain defines the typed events fanned out to stream sessions and the audience they target.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samber/lo"

	chatdomain "chat-notify/internal/chat/domain"
)

// Kind is the event variant name. It is also the event-type label written on the wire.
type Kind string

const (
	KindNewChat         Kind = "NewChat"
	KindAddToChat       Kind = "AddToChat"
	KindRemoveFromChat  Kind = "RemoveFromChat"
	KindNewMessage      Kind = "NewMessage"
	KindChatNameUpdated Kind = "ChatNameUpdated"
)

// Kinds lists every variant in declaration order.
var Kinds = []Kind{KindNewChat, KindAddToChat, KindRemoveFromChat, KindNewMessage, KindChatNameUpdated}

var (
	// ErrInvalidKind is returned when a kind does not match the snapshot it is built with.
	ErrInvalidKind = errors.New("invalid event kind")
	// ErrMissingSnapshot is returned when an event is built without its chat or message.
	ErrMissingSnapshot = errors.New("missing event snapshot")
)

// Event is an immutable domain event. Exactly one of Chat and Message is set; Message only for
// KindNewMessage. Events are shared by pointer across recipients and must not be mutated.
type Event struct {
	kind    Kind
	chat    *chatdomain.Chat
	message *chatdomain.Message
}

// NewChatEvent builds a chat-carrying event (every kind except KindNewMessage).
func NewChatEvent(kind Kind, chat *chatdomain.Chat) (*Event, error) {
	switch kind {
	case KindNewChat, KindAddToChat, KindRemoveFromChat, KindChatNameUpdated:
	default:
		return nil, fmt.Errorf("%w: %q for chat snapshot", ErrInvalidKind, kind)
	}
	if chat == nil {
		return nil, ErrMissingSnapshot
	}
	c := *chat
	c.Members = append([]int64{}, chat.Members...)
	return &Event{kind: kind, chat: &c}, nil
}

// NewMessageEvent builds a KindNewMessage event.
func NewMessageEvent(msg *chatdomain.Message) (*Event, error) {
	if msg == nil {
		return nil, ErrMissingSnapshot
	}
	m := *msg
	m.Files = append([]string{}, msg.Files...)
	return &Event{kind: KindNewMessage, message: &m}, nil
}

// Kind returns the event variant.
func (e *Event) Kind() Kind { return e.kind }

// Chat returns the chat snapshot, or nil for message events.
func (e *Event) Chat() *chatdomain.Chat { return e.chat }

// Message returns the message snapshot, or nil for chat events.
func (e *Event) Message() *chatdomain.Message { return e.message }

// ChatID returns the id of the chat the event concerns, or 0 for an event without a snapshot.
func (e *Event) ChatID() int64 {
	switch {
	case e.message != nil:
		return e.message.ChatID
	case e.chat != nil:
		return e.chat.ID
	}
	return 0
}

// MarshalJSON writes the self-describing wire form: the snapshot object with an added "event" tag.
func (e *Event) MarshalJSON() ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case e.message != nil:
		body, err = json.Marshal(e.message)
	case e.chat != nil:
		body, err = json.Marshal(e.chat)
	default:
		return nil, ErrMissingSnapshot
	}
	if err != nil {
		return nil, err
	}
	tag, err := json.Marshal(string(e.kind))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"event":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// Audience is the ordered, duplicate-free set of user ids that must receive an event.
type Audience []int64

// NewAudience builds an audience from one or more member lists, keeping first-seen order.
func NewAudience(members ...[]int64) Audience {
	return Audience(lo.Uniq(lo.Flatten(members)))
}

// Contains reports whether userID is part of the audience.
func (a Audience) Contains(userID int64) bool { return lo.Contains(a, userID) }
