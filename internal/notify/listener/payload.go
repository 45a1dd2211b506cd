package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	chatdomain "chat-notify/internal/chat/domain"
	"chat-notify/internal/event/domain"
)

// Notification channels created by the migrations' triggers.
const (
	ChannelChatUpdated    = "chat_updated"
	ChannelMessageCreated = "chat_message_created"
)

const (
	entityChat    = "chat"
	entityMessage = "message"

	opInsert = "INSERT"
	opUpdate = "UPDATE"
	opDelete = "DELETE"
)

// DefaultChannels are the channels listened on when none are configured.
var DefaultChannels = []string{ChannelChatUpdated, ChannelMessageCreated}

// ErrMissingMembers is the cause of a DecodeError when a message payload has no recipient hint and no
// member resolver is configured.
var ErrMissingMembers = errors.New("message payload has no members and no resolver is configured")

// DecodeError reports a notification that could not be turned into events. It is never fatal to
// the listener.
type DecodeError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Channel, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Delivery is one decoded event and the users it targets.
type Delivery struct {
	Event    *domain.Event
	Audience domain.Audience
}

// MemberResolver looks up a chat's current members when a payload carries no recipient hint.
type MemberResolver interface {
	ChatMembers(ctx context.Context, chatID int64) ([]int64, error)
}

// Decoder turns raw notification payloads into deliveries.
type Decoder struct {
	resolver MemberResolver
	validate *validator.Validate
}

// NewDecoder returns a Decoder. resolver may be nil; message payloads must then carry members.
func NewDecoder(resolver MemberResolver) *Decoder {
	return &Decoder{resolver: resolver, validate: validator.New()}
}

type envelope struct {
	Entity string `json:"entity"`
	Op     string `json:"op"`
}

type chatChange struct {
	Old *chatdomain.Chat `json:"old"`
	New *chatdomain.Chat `json:"new"`
}

type messageCreated struct {
	Message *chatdomain.Message `json:"message"`
	Members []int64             `json:"members"`
}

// Decode parses one notification. A chat UPDATE may yield several deliveries; everything else
// yields exactly one. Any failure is returned as *DecodeError.
func (d *Decoder) Decode(ctx context.Context, channel, payload string) ([]Delivery, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, &DecodeError{Channel: channel, Reason: "invalid json", Err: err}
	}
	entity := strings.ToLower(strings.TrimSpace(env.Entity))
	if entity == "" {
		switch channel {
		case ChannelChatUpdated:
			entity = entityChat
		case ChannelMessageCreated:
			entity = entityMessage
		}
	}
	op := strings.ToUpper(strings.TrimSpace(env.Op))

	switch entity {
	case entityChat:
		return d.decodeChat(channel, op, payload)
	case entityMessage:
		return d.decodeMessage(ctx, channel, op, payload)
	case "":
		return nil, &DecodeError{Channel: channel, Reason: "unknown channel and no entity tag"}
	default:
		return nil, &DecodeError{Channel: channel, Reason: fmt.Sprintf("unknown entity %q", env.Entity)}
	}
}

func (d *Decoder) decodeChat(channel, op, payload string) ([]Delivery, error) {
	var p chatChange
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, &DecodeError{Channel: channel, Reason: "invalid chat snapshot", Err: err}
	}
	for _, c := range []*chatdomain.Chat{p.Old, p.New} {
		if c == nil {
			continue
		}
		if err := d.validate.Struct(c); err != nil {
			return nil, &DecodeError{Channel: channel, Reason: "invalid chat snapshot", Err: err}
		}
	}

	switch op {
	case opInsert:
		if p.New == nil {
			return nil, &DecodeError{Channel: channel, Reason: "INSERT without new snapshot"}
		}
		return buildDeliveries(channel, delivery(domain.KindNewChat, p.New, p.New.Members))
	case opDelete:
		if p.Old == nil {
			return nil, &DecodeError{Channel: channel, Reason: "DELETE without old snapshot"}
		}
		return buildDeliveries(channel, delivery(domain.KindRemoveFromChat, p.Old, p.Old.Members))
	case opUpdate:
		if p.Old == nil || p.New == nil {
			return nil, &DecodeError{Channel: channel, Reason: "UPDATE needs old and new snapshots"}
		}
		return buildDeliveries(channel, chatUpdateDeliveries(p.Old, p.New)...)
	default:
		return nil, &DecodeError{Channel: channel, Reason: fmt.Sprintf("unknown chat operation %q", op)}
	}
}

type pending struct {
	kind     domain.Kind
	chat     *chatdomain.Chat
	audience domain.Audience
}

func delivery(kind domain.Kind, chat *chatdomain.Chat, members ...[]int64) pending {
	return pending{kind: kind, chat: chat, audience: domain.NewAudience(members...)}
}

// chatUpdateDeliveries classifies an UPDATE: removals reach former and current members, additions
// and renames reach current members. An update that changes neither still refreshes the members.
func chatUpdateDeliveries(old, cur *chatdomain.Chat) []pending {
	removed, added := lo.Difference(old.Members, cur.Members)
	var out []pending
	if len(removed) > 0 {
		out = append(out, delivery(domain.KindRemoveFromChat, cur, cur.Members, old.Members))
	}
	if len(added) > 0 {
		out = append(out, delivery(domain.KindAddToChat, cur, cur.Members))
	}
	if old.DisplayName() != cur.DisplayName() || (old.Name == nil) != (cur.Name == nil) {
		out = append(out, delivery(domain.KindChatNameUpdated, cur, cur.Members))
	}
	if len(out) == 0 {
		out = append(out, delivery(domain.KindAddToChat, cur, cur.Members))
	}
	return out
}

func buildDeliveries(channel string, ps ...pending) ([]Delivery, error) {
	out := make([]Delivery, 0, len(ps))
	for _, p := range ps {
		ev, err := domain.NewChatEvent(p.kind, p.chat)
		if err != nil {
			return nil, &DecodeError{Channel: channel, Reason: "build event", Err: err}
		}
		out = append(out, Delivery{Event: ev, Audience: p.audience})
	}
	return out, nil
}

func (d *Decoder) decodeMessage(ctx context.Context, channel, op, payload string) ([]Delivery, error) {
	if op != "" && op != opInsert {
		return nil, &DecodeError{Channel: channel, Reason: fmt.Sprintf("unsupported message operation %q", op)}
	}
	var p messageCreated
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, &DecodeError{Channel: channel, Reason: "invalid message snapshot", Err: err}
	}
	if p.Message == nil {
		return nil, &DecodeError{Channel: channel, Reason: "missing message snapshot"}
	}
	if err := d.validate.Struct(p.Message); err != nil {
		return nil, &DecodeError{Channel: channel, Reason: "invalid message snapshot", Err: err}
	}

	members := p.Members
	if members == nil {
		if d.resolver == nil {
			return nil, &DecodeError{Channel: channel, Reason: "resolve members", Err: ErrMissingMembers}
		}
		resolved, err := d.resolver.ChatMembers(ctx, p.Message.ChatID)
		if err != nil {
			return nil, &DecodeError{Channel: channel, Reason: "resolve members", Err: err}
		}
		members = resolved
	}
	if lo.SomeBy(members, func(id int64) bool { return id <= 0 }) {
		return nil, &DecodeError{Channel: channel, Reason: "invalid member id"}
	}

	ev, err := domain.NewMessageEvent(p.Message)
	if err != nil {
		return nil, &DecodeError{Channel: channel, Reason: "build event", Err: err}
	}
	return []Delivery{{Event: ev, Audience: domain.NewAudience(members)}}, nil
}
