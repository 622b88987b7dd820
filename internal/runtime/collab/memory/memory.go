// Package memory is an in-process directory implementing every collab
// interface. It backs single-node development runs and tests, and can be
// seeded from a YAML file.
package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drblury/chirpflow/internal/runtime/collab"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/ids"
)

// Seed is the YAML document accepted by LoadSeed.
type Seed struct {
	Users []collab.Profile `yaml:"users"`
	Chats []SeedChat       `yaml:"chats"`
}

// SeedChat lists the members of one chat.
type SeedChat struct {
	ID           string   `yaml:"id"`
	Participants []string `yaml:"participants"`
}

// Notification is one recorded push notification.
type Notification struct {
	Kind       string
	SenderID   string
	Recipients []string
	MessageID  string
}

// Directory keeps users, chats and messages in memory.
type Directory struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]collab.Profile
	chats         map[string][]string
	messages      map[string]collab.Message
	notifications []Notification
}

var (
	_ collab.Participants = (*Directory)(nil)
	_ collab.Profiles     = (*Directory)(nil)
	_ collab.Messages     = (*Directory)(nil)
	_ collab.PushNotifier = (*Directory)(nil)
)

// New returns an empty Directory.
func New() *Directory {
	return &Directory{
		now:      time.Now,
		users:    make(map[string]collab.Profile),
		chats:    make(map[string][]string),
		messages: make(map[string]collab.Message),
	}
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed builds a Directory from a YAML document.
func ParseSeed(data []byte) (*Directory, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	d := New()
	for _, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("parse directory seed: user without id")
		}
		d.AddUser(u)
	}
	for _, c := range seed.Chats {
		if c.ID == "" {
			return nil, fmt.Errorf("parse directory seed: chat without id")
		}
		for _, p := range c.Participants {
			if _, ok := d.users[p]; !ok {
				return nil, fmt.Errorf("parse directory seed: chat %s references unknown user %s", c.ID, p)
			}
		}
		d.AddChat(c.ID, c.Participants...)
	}
	return d, nil
}

// AddUser inserts or replaces a profile.
func (d *Directory) AddUser(p collab.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[p.ID] = p
}

// AddChat inserts or replaces a chat's member list.
func (d *Directory) AddChat(chatID string, participants ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats[chatID] = append([]string(nil), participants...)
}

func (d *Directory) ResolveParticipants(_ context.Context, chatID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.chats[chatID]...), nil
}

func (d *Directory) IsParticipant(_ context.Context, userID, chatID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.chats[chatID] {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d *Directory) Partners(_ context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, members := range d.chats {
		if !contains(members, userID) {
			continue
		}
		for _, m := range members {
			if m != userID {
				seen[m] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (d *Directory) GetProfile(_ context.Context, userID string) (collab.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.users[userID]
	if !ok {
		return collab.Profile{}, fmt.Errorf("%w: %s", errspkg.ErrUserNotFound, userID)
	}
	return p, nil
}

func (d *Directory) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUserNotFound, userID)
	}
	p.IsOnline = online
	p.LastSeen = at
	d.users[userID] = p
	return nil
}

func (d *Directory) TouchLastSeen(_ context.Context, userID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrUserNotFound, userID)
	}
	p.LastSeen = at
	d.users[userID] = p
	return nil
}

// PersistMessage assigns an ID when msg has none and stamps timestamps.
func (d *Directory) PersistMessage(_ context.Context, msg collab.Message) (collab.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if msg.ID == "" {
		msg.ID = ids.NewMessageID()
	}
	now := d.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if msg.Reactions == nil {
		msg.Reactions = map[string][]string{}
	}
	d.messages[msg.ID] = msg
	return msg, nil
}

func (d *Directory) GetMessage(_ context.Context, messageID string) (collab.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[messageID]
	if !ok {
		return collab.Message{}, fmt.Errorf("%w: %s", errspkg.ErrMessageNotFound, messageID)
	}
	return m, nil
}

func (d *Directory) UpdateReactions(_ context.Context, messageID string, reactions map[string][]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrMessageNotFound, messageID)
	}
	m.Reactions = reactions
	m.UpdatedAt = d.now().UTC()
	d.messages[messageID] = m
	return nil
}

func (d *Directory) UpdateStatus(_ context.Context, messageID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.messages[messageID]
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrMessageNotFound, messageID)
	}
	m.Status = status
	m.UpdatedAt = d.now().UTC()
	d.messages[messageID] = m
	return nil
}

// MessageCount returns the number of stored messages.
func (d *Directory) MessageCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.messages)
}

func (d *Directory) NotifyNewMessage(_ context.Context, sender collab.Profile, recipients []string, msg collab.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications = append(d.notifications, Notification{
		Kind:       "new_message",
		SenderID:   sender.ID,
		Recipients: append([]string(nil), recipients...),
		MessageID:  msg.ID,
	})
	return nil
}

func (d *Directory) NotifyThinkingOfYou(_ context.Context, sender collab.Profile, recipientID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifications = append(d.notifications, Notification{
		Kind:       "thinking_of_you",
		SenderID:   sender.ID,
		Recipients: []string{recipientID},
	})
	return nil
}

// Notifications returns a copy of the recorded notifications.
func (d *Directory) Notifications() []Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Notification(nil), d.notifications...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
