package eventbus

import (
	"context"
	"time"

	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
)

// Event types published through the bus.
const (
	EventNewMessage        = "new_message"
	EventReactionUpdate    = "message_reaction_update"
	EventTypingIndicator   = "typing_indicator"
	EventThinkingOfYou     = "thinking_of_you_received"
	EventChatModeChanged   = "chat_mode_changed"
	EventPresenceUpdate    = "user_presence_update"
	EventMessageDeleted    = "message_deleted"
	EventHistoryCleared    = "chat_history_cleared"
	EventUserProfileUpdate = "user_profile_update"
	EventMessageStatus     = "message_status_update"
)

// Resolver answers who should hear about a chat or a user.
type Resolver interface {
	ResolveParticipants(ctx context.Context, chatID string) ([]string, error)
	Partners(ctx context.Context, userID string) ([]string, error)
}

// Notifier builds the chat-scoped payloads and broadcasts them to the
// resolved audience. A call whose audience is empty publishes nothing and
// returns a zero sequence.
type Notifier struct {
	bus      Broadcaster
	resolver Resolver
}

// NewNotifier returns a Notifier publishing through bus.
func NewNotifier(bus Broadcaster, resolver Resolver) (*Notifier, error) {
	if bus == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if resolver == nil {
		return nil, errspkg.ErrCollaboratorRequired
	}
	return &Notifier{bus: bus, resolver: resolver}, nil
}

// ChatMessage announces a new message to every participant, sender included.
func (n *Notifier) ChatMessage(ctx context.Context, chatID string, msg any) (uint64, error) {
	p := NewPayload(EventNewMessage)
	p["chat_id"] = chatID
	p["message"] = msg
	return n.toChat(ctx, chatID, "", p)
}

// ReactionUpdate publishes the full reaction map of a message.
func (n *Notifier) ReactionUpdate(ctx context.Context, chatID, messageID string, reactions map[string][]string) (uint64, error) {
	if reactions == nil {
		reactions = map[string][]string{}
	}
	p := NewPayload(EventReactionUpdate)
	p["chat_id"] = chatID
	p["message_id"] = messageID
	p["reactions"] = reactions
	return n.toChat(ctx, chatID, "", p)
}

// Typing tells the other participants that userID started or stopped typing.
func (n *Notifier) Typing(ctx context.Context, chatID, userID string, isTyping bool) (uint64, error) {
	p := NewPayload(EventTypingIndicator)
	p["chat_id"] = chatID
	p["user_id"] = userID
	p["is_typing"] = isTyping
	return n.toChat(ctx, chatID, userID, p)
}

// ThinkingOfYou pings a single recipient.
func (n *Notifier) ThinkingOfYou(ctx context.Context, recipientID, senderID, senderName string) (uint64, error) {
	p := NewPayload(EventThinkingOfYou)
	p["sender_id"] = senderID
	p["sender_name"] = senderName
	return n.bus.Broadcast(ctx, []string{recipientID}, p)
}

// ChatMode announces a mode switch to every participant.
func (n *Notifier) ChatMode(ctx context.Context, chatID, mode string) (uint64, error) {
	p := NewPayload(EventChatModeChanged)
	p["chat_id"] = chatID
	p["mode"] = mode
	return n.toChat(ctx, chatID, "", p)
}

// MessageStatus announces a delivery state change such as a read receipt.
func (n *Notifier) MessageStatus(ctx context.Context, chatID, messageID, status string, at time.Time) (uint64, error) {
	p := NewPayload(EventMessageStatus)
	p["chat_id"] = chatID
	p["message_id"] = messageID
	p["status"] = status
	p["read_at"] = at.UTC().Format(time.RFC3339Nano)
	return n.toChat(ctx, chatID, "", p)
}

// MessageDeleted announces a deletion to every participant.
func (n *Notifier) MessageDeleted(ctx context.Context, chatID, messageID string) (uint64, error) {
	p := NewPayload(EventMessageDeleted)
	p["chat_id"] = chatID
	p["message_id"] = messageID
	return n.toChat(ctx, chatID, "", p)
}

// HistoryCleared announces that a chat's history was wiped.
func (n *Notifier) HistoryCleared(ctx context.Context, chatID string) (uint64, error) {
	p := NewPayload(EventHistoryCleared)
	p["chat_id"] = chatID
	return n.toChat(ctx, chatID, "", p)
}

// ProfileUpdate sends changed profile fields to the user's chat partners.
// The user_id and event_type keys cannot be overridden by fields.
func (n *Notifier) ProfileUpdate(ctx context.Context, userID string, fields map[string]any) (uint64, error) {
	partners, err := n.resolver.Partners(ctx, userID)
	if err != nil {
		return 0, &errspkg.CollaboratorFailure{Op: "partners", Err: err}
	}
	p := make(Payload, len(fields)+2)
	for k, v := range fields {
		p[k] = v
	}
	p["event_type"] = EventUserProfileUpdate
	p["user_id"] = userID
	return n.send(ctx, Exclude(partners, userID), p)
}

func (n *Notifier) toChat(ctx context.Context, chatID, exclude string, p Payload) (uint64, error) {
	participants, err := n.resolver.ResolveParticipants(ctx, chatID)
	if err != nil {
		return 0, &errspkg.CollaboratorFailure{Op: "resolve participants", Err: err}
	}
	return n.send(ctx, Exclude(participants, exclude), p)
}

func (n *Notifier) send(ctx context.Context, targets []string, p Payload) (uint64, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	return n.bus.Broadcast(ctx, targets, p)
}

// Exclude returns ids without userID. An empty userID returns ids unchanged.
func Exclude(ids []string, userID string) []string {
	if userID == "" {
		return ids
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}
