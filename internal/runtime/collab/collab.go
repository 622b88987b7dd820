// Package collab declares the narrow interfaces through which the delivery
// core consults systems it does not own: chat membership, user profiles,
// message storage and push notifications.
package collab

import (
	"context"
	"time"
)

// Message modes.
const (
	ModeNormal    = "normal"
	ModeFight     = "fight"
	ModeIncognito = "incognito"
)

// Message delivery states.
const (
	StatusSent = "sent"
	StatusRead = "read_by_recipient"
)

// DefaultMood is reported when a profile has none.
const DefaultMood = "Neutral"

// SupportedEmojis are the reactions a client may toggle.
var SupportedEmojis = []string{"👍", "❤️", "😂", "😮", "😢", "🙏"}

// ValidMode reports whether mode is one of the known message modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeNormal, ModeFight, ModeIncognito:
		return true
	}
	return false
}

// SupportedEmoji reports whether emoji can be used as a reaction.
func SupportedEmoji(emoji string) bool {
	for _, e := range SupportedEmojis {
		if e == emoji {
			return true
		}
	}
	return false
}

// Participants resolves chat membership.
type Participants interface {
	ResolveParticipants(ctx context.Context, chatID string) ([]string, error)
	IsParticipant(ctx context.Context, userID, chatID string) (bool, error)
	// Partners returns every user sharing a chat with userID, excluding
	// userID itself.
	Partners(ctx context.Context, userID string) ([]string, error)
}

// Profile is the subset of a user record the core reads.
type Profile struct {
	ID          string    `json:"id" yaml:"id"`
	DisplayName string    `json:"display_name" yaml:"display_name"`
	AvatarURL   string    `json:"avatar_url" yaml:"avatar_url"`
	Mood        string    `json:"mood" yaml:"mood"`
	IsOnline    bool      `json:"is_online" yaml:"is_online"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
}

// Profiles reads and updates presence fields on user records.
type Profiles interface {
	// GetProfile returns errors.ErrUserNotFound for unknown users.
	GetProfile(ctx context.Context, userID string) (Profile, error)
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

// Message is a chat message as broadcast to clients.
type Message struct {
	ID               string              `json:"id"`
	ChatID           string              `json:"chat_id"`
	UserID           string              `json:"user_id"`
	Text             string              `json:"text,omitempty"`
	MessageSubtype   string              `json:"message_subtype,omitempty"`
	Mode             string              `json:"mode"`
	Status           string              `json:"status"`
	ClientTempID     string              `json:"client_temp_id,omitempty"`
	ReplyToMessageID string              `json:"reply_to_message_id,omitempty"`
	StickerID        string              `json:"sticker_id,omitempty"`
	MediaURL         string              `json:"media_url,omitempty"`
	ThumbnailURL     string              `json:"thumbnail_url,omitempty"`
	FileMetadata     map[string]any      `json:"file_metadata,omitempty"`
	Reactions        map[string][]string `json:"reactions"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Messages persists and mutates chat messages.
type Messages interface {
	// PersistMessage stores msg and returns the hydrated record.
	PersistMessage(ctx context.Context, msg Message) (Message, error)
	// GetMessage returns errors.ErrMessageNotFound for unknown IDs.
	GetMessage(ctx context.Context, messageID string) (Message, error)
	UpdateReactions(ctx context.Context, messageID string, reactions map[string][]string) error
	UpdateStatus(ctx context.Context, messageID, status string) error
}

// PushNotifier sends out-of-band notifications. Failures are best effort.
type PushNotifier interface {
	NotifyNewMessage(ctx context.Context, sender Profile, recipients []string, msg Message) error
	NotifyThinkingOfYou(ctx context.Context, sender Profile, recipientID string) error
}

// ToggleReaction adds userID to emoji's reactor set or removes it, deleting
// the key when the set becomes empty. It returns a new map.
func ToggleReaction(reactions map[string][]string, emoji, userID string) map[string][]string {
	out := make(map[string][]string, len(reactions)+1)
	for k, v := range reactions {
		out[k] = append([]string(nil), v...)
	}
	users := out[emoji]
	idx := -1
	for i, u := range users {
		if u == userID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		users = append(users[:idx], users[idx+1:]...)
	} else {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(out, emoji)
	} else {
		out[emoji] = users
	}
	return out
}
