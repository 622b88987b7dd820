package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/chirpflow/internal/runtime/collab"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/ids"
	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	"github.com/drblury/chirpflow/internal/runtime/logging"
)

// Inbound event types.
const (
	EventSendMessage    = "send_message"
	EventToggleReaction = "toggle_reaction"
	EventStartTyping    = "start_typing"
	EventStopTyping     = "stop_typing"
	EventPing           = "ping_thinking_of_you"
	EventChangeChatMode = "change_chat_mode"
	EventMarkAsRead     = "mark_as_read"
	EventHeartbeat      = "HEARTBEAT"
)

// Request is one decoded inbound envelope.
type Request struct {
	EventType string
	Raw       []byte
}

// Decode unmarshals the envelope into v. Failures are ProtocolErrors.
func (r Request) Decode(v any) error {
	if err := jsoncodec.Unmarshal(r.Raw, v); err != nil {
		return errspkg.NewProtocolError(r.EventType, err.Error(), err)
	}
	return nil
}

// HandlerFunc handles one inbound event. Returning an error wrapping
// errors.ErrNotParticipant drops the event silently; a *errors.ProtocolError
// is echoed to the client; anything else is reported as a server error.
type HandlerFunc func(ctx context.Context, s *Session, req Request) error

// Table maps event_type to its handler.
type Table map[string]HandlerFunc

// DefaultTable wires the built-in handlers to this Protocol's collaborators.
func (p *Protocol) DefaultTable() Table {
	return Table{
		EventSendMessage:    p.handleSendMessage,
		EventToggleReaction: p.handleToggleReaction,
		EventStartTyping:    p.handleTyping,
		EventStopTyping:     p.handleTyping,
		EventPing:           p.handlePing,
		EventChangeChatMode: p.handleChangeChatMode,
		EventMarkAsRead:     p.handleMarkAsRead,
		EventHeartbeat:      handleHeartbeat,
	}
}

type sendMessageRequest struct {
	ClientTempID      string         `json:"client_temp_id"`
	ChatID            string         `json:"chat_id"`
	Text              string         `json:"text"`
	MessageSubtype    string         `json:"message_subtype"`
	Mode              string         `json:"mode"`
	ReplyToMessageID  string         `json:"reply_to_message_id"`
	StickerID         string         `json:"sticker_id"`
	ImageURL          string         `json:"image_url"`
	ImageThumbnailURL string         `json:"image_thumbnail_url"`
	ClipURL           string         `json:"clip_url"`
	DocumentURL       string         `json:"document_url"`
	DocumentName      string         `json:"document_name"`
	ClipType          string         `json:"clip_type"`
	AudioFormat       string         `json:"audio_format"`
	DurationSeconds   *int           `json:"duration_seconds"`
	FileSizeBytes     *int64         `json:"file_size_bytes"`
	FileMetadata      map[string]any `json:"file_metadata"`
}

var mediaSubtypes = map[string]bool{
	"image": true, "video": true, "audio": true, "document": true, "voice_message": true, "clip": true,
}

func (r sendMessageRequest) message(id, userID string, now time.Time) collab.Message {
	subtype := r.MessageSubtype
	if subtype == "" {
		subtype = "text"
	}
	msg := collab.Message{
		ID:               id,
		ChatID:           r.ChatID,
		UserID:           userID,
		Text:             r.Text,
		MessageSubtype:   subtype,
		Mode:             r.Mode,
		Status:           collab.StatusSent,
		ClientTempID:     r.ClientTempID,
		ReplyToMessageID: r.ReplyToMessageID,
		StickerID:        r.StickerID,
		Reactions:        map[string][]string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if mediaSubtypes[subtype] {
		msg.MediaURL = firstNonEmpty(r.ImageURL, r.ClipURL, r.DocumentURL)
		msg.ThumbnailURL = r.ImageThumbnailURL
		meta := map[string]any{}
		for k, v := range r.FileMetadata {
			meta[k] = v
		}
		if r.DurationSeconds != nil {
			meta["duration_seconds"] = *r.DurationSeconds
		}
		if r.FileSizeBytes != nil {
			meta["file_size_bytes"] = *r.FileSizeBytes
		}
		if r.AudioFormat != "" {
			meta["audio_format"] = r.AudioFormat
		}
		if r.DocumentName != "" {
			meta["document_name"] = r.DocumentName
		}
		if r.ClipType != "" {
			meta["clip_type"] = r.ClipType
		}
		if len(meta) > 0 {
			msg.FileMetadata = meta
		}
	}
	return msg
}

func (p *Protocol) handleSendMessage(ctx context.Context, s *Session, req Request) error {
	var in sendMessageRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.ClientTempID == "" || in.ChatID == "" {
		return errspkg.NewProtocolError(req.EventType, "client_temp_id and chat_id are required", nil)
	}
	if in.Mode == "" {
		in.Mode = collab.ModeNormal
	}
	if !collab.ValidMode(in.Mode) {
		return errspkg.NewProtocolError(req.EventType, fmt.Sprintf("unknown mode %q", in.Mode), nil)
	}

	prior, processed, err := p.deps.Dedup.Lookup(ctx, s.UserID(), in.ClientTempID)
	if err != nil {
		return err
	}
	if processed {
		if prior == nil {
			prior, err = encodeAck(in.ClientTempID, in.ClientTempID, p.now())
			if err != nil {
				return err
			}
		}
		s.logger.Debug("Replaying ack for duplicate send", logging.LogFields{"client_temp_id": in.ClientTempID})
		return s.ReplyRaw(ctx, prior)
	}

	if err := p.requireParticipant(ctx, s.UserID(), in.ChatID); err != nil {
		return err
	}

	now := p.now().UTC()
	msg := in.message(ids.NewMessageID(), s.UserID(), now)
	incognito := msg.Mode == collab.ModeIncognito
	if !incognito {
		msg, err = p.deps.Messages.PersistMessage(ctx, msg)
		if err != nil {
			return &errspkg.CollaboratorFailure{Op: "persist message", Err: err}
		}
	}

	ack, err := encodeAck(in.ClientTempID, msg.ID, now)
	if err != nil {
		return err
	}
	if err := p.deps.Dedup.MarkProcessed(ctx, s.UserID(), in.ClientTempID, ack); err != nil {
		s.logger.Error("Failed to mark token processed", err, logging.LogFields{"client_temp_id": in.ClientTempID})
	}
	if err := s.ReplyRaw(ctx, ack); err != nil {
		s.logger.Debug("Failed to deliver ack", logging.LogFields{"error": err.Error()})
	}

	if _, err := p.deps.Broadcasts.ChatMessage(ctx, in.ChatID, msg); err != nil {
		return fmt.Errorf("broadcast message %s: %w", msg.ID, err)
	}
	if incognito {
		return nil
	}

	recipients, err := p.deps.Participants.ResolveParticipants(ctx, in.ChatID)
	if err != nil {
		s.logger.Error("Failed to resolve notification recipients", err, logging.LogFields{"chat_id": in.ChatID})
		return nil
	}
	if err := p.deps.Push.NotifyNewMessage(ctx, s.Identity().Profile, eventbus.Exclude(recipients, s.UserID()), msg); err != nil {
		s.logger.Error("Push notification failed", &errspkg.CollaboratorFailure{Op: "notify new message", Err: err}, logging.LogFields{"message_id": msg.ID})
	}
	return nil
}

type toggleReactionRequest struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
	Emoji     string `json:"emoji"`
}

func (p *Protocol) handleToggleReaction(ctx context.Context, s *Session, req Request) error {
	var in toggleReactionRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.MessageID == "" || in.ChatID == "" || in.Emoji == "" {
		return errspkg.NewProtocolError(req.EventType, "message_id, chat_id and emoji are required", nil)
	}
	if !collab.SupportedEmoji(in.Emoji) {
		return errspkg.NewProtocolError(req.EventType, fmt.Sprintf("unsupported emoji %q", in.Emoji), nil)
	}
	if err := p.requireParticipant(ctx, s.UserID(), in.ChatID); err != nil {
		return err
	}

	msg, err := p.deps.Messages.GetMessage(ctx, in.MessageID)
	if err != nil {
		if errors.Is(err, errspkg.ErrMessageNotFound) {
			return &errspkg.AuthorizationError{ActorID: s.UserID(), Target: in.MessageID}
		}
		return &errspkg.CollaboratorFailure{Op: "get message", Err: err}
	}
	if msg.ChatID != in.ChatID || msg.Mode == collab.ModeIncognito {
		return &errspkg.AuthorizationError{ActorID: s.UserID(), Target: in.MessageID}
	}

	reactions := collab.ToggleReaction(msg.Reactions, in.Emoji, s.UserID())
	if err := p.deps.Messages.UpdateReactions(ctx, in.MessageID, reactions); err != nil {
		return &errspkg.CollaboratorFailure{Op: "update reactions", Err: err}
	}
	_, err = p.deps.Broadcasts.ReactionUpdate(ctx, in.ChatID, in.MessageID, reactions)
	return err
}

type chatRequest struct {
	ChatID string `json:"chat_id"`
	Mode   string `json:"mode"`
}

func (p *Protocol) handleTyping(ctx context.Context, s *Session, req Request) error {
	var in chatRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.ChatID == "" {
		return errspkg.NewProtocolError(req.EventType, "chat_id is required", nil)
	}
	if err := p.requireParticipant(ctx, s.UserID(), in.ChatID); err != nil {
		return err
	}
	_, err := p.deps.Broadcasts.Typing(ctx, in.ChatID, s.UserID(), req.EventType == EventStartTyping)
	return err
}

type pingRequest struct {
	RecipientUserID string `json:"recipient_user_id"`
}

func (p *Protocol) handlePing(ctx context.Context, s *Session, req Request) error {
	var in pingRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.RecipientUserID == "" {
		return errspkg.NewProtocolError(req.EventType, "recipient_user_id is required", nil)
	}
	if _, err := p.deps.Profiles.GetProfile(ctx, in.RecipientUserID); err != nil {
		if errors.Is(err, errspkg.ErrUserNotFound) {
			return &errspkg.AuthorizationError{ActorID: s.UserID(), Target: in.RecipientUserID}
		}
		return &errspkg.CollaboratorFailure{Op: "get profile", Err: err}
	}

	sender := s.Identity().Profile
	if _, err := p.deps.Broadcasts.ThinkingOfYou(ctx, in.RecipientUserID, s.UserID(), sender.DisplayName); err != nil {
		return err
	}
	if err := p.deps.Push.NotifyThinkingOfYou(ctx, sender, in.RecipientUserID); err != nil {
		s.logger.Error("Push notification failed", &errspkg.CollaboratorFailure{Op: "notify thinking of you", Err: err}, logging.LogFields{"recipient_id": in.RecipientUserID})
	}
	return nil
}

func (p *Protocol) handleChangeChatMode(ctx context.Context, s *Session, req Request) error {
	var in chatRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.ChatID == "" {
		return errspkg.NewProtocolError(req.EventType, "chat_id is required", nil)
	}
	if !collab.ValidMode(in.Mode) {
		return errspkg.NewProtocolError(req.EventType, fmt.Sprintf("unknown mode %q", in.Mode), nil)
	}
	if err := p.requireParticipant(ctx, s.UserID(), in.ChatID); err != nil {
		return err
	}
	_, err := p.deps.Broadcasts.ChatMode(ctx, in.ChatID, in.Mode)
	return err
}

type markAsReadRequest struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id"`
}

// handleMarkAsRead records a read receipt. Receipts for the reader's own
// messages and already-read messages are ignored.
func (p *Protocol) handleMarkAsRead(ctx context.Context, s *Session, req Request) error {
	var in markAsReadRequest
	if err := req.Decode(&in); err != nil {
		return err
	}
	if in.MessageID == "" || in.ChatID == "" {
		return errspkg.NewProtocolError(req.EventType, "message_id and chat_id are required", nil)
	}
	if err := p.requireParticipant(ctx, s.UserID(), in.ChatID); err != nil {
		return err
	}

	msg, err := p.deps.Messages.GetMessage(ctx, in.MessageID)
	if err != nil {
		if errors.Is(err, errspkg.ErrMessageNotFound) {
			return &errspkg.AuthorizationError{ActorID: s.UserID(), Target: in.MessageID}
		}
		return &errspkg.CollaboratorFailure{Op: "get message", Err: err}
	}
	if msg.ChatID != in.ChatID || msg.UserID == s.UserID() || msg.Status == collab.StatusRead {
		return nil
	}

	if err := p.deps.Messages.UpdateStatus(ctx, in.MessageID, collab.StatusRead); err != nil {
		return &errspkg.CollaboratorFailure{Op: "update status", Err: err}
	}
	_, err = p.deps.Broadcasts.MessageStatus(ctx, in.ChatID, in.MessageID, collab.StatusRead, p.now())
	return err
}

func handleHeartbeat(ctx context.Context, s *Session, _ Request) error {
	return s.Reply(ctx, heartbeatAck{EventType: "heartbeat_ack"})
}

func (p *Protocol) requireParticipant(ctx context.Context, userID, chatID string) error {
	ok, err := p.deps.Participants.IsParticipant(ctx, userID, chatID)
	if err != nil {
		return &errspkg.CollaboratorFailure{Op: "is participant", Err: err}
	}
	if !ok {
		return &errspkg.AuthorizationError{ActorID: userID, Target: chatID}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
