// Package presence records which instance owns each user's connection and
// tells chat partners when a user comes online or goes away.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/chirpflow/internal/runtime/collab"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/store"
)

const (
	DefaultKey              = "user_connections"
	DefaultLastSeenThrottle = 120 * time.Second
)

// PartnerResolver returns everyone sharing a chat with a user.
type PartnerResolver interface {
	Partners(ctx context.Context, userID string) ([]string, error)
}

// Config names the shared hash and this instance.
type Config struct {
	Key              string
	InstanceID       string
	LastSeenThrottle time.Duration
}

// Coordinator owns the presence hash entries written by this instance and
// the per-user last-seen throttle.
type Coordinator struct {
	hash     store.Hash
	bus      eventbus.Broadcaster
	partners PartnerResolver
	profiles collab.Profiles
	key      string
	instance string
	throttle time.Duration
	logger   logging.ServiceLogger
	now      func() time.Time

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// New wires a Coordinator.
func New(hash store.Hash, bus eventbus.Broadcaster, partners PartnerResolver, profiles collab.Profiles, cfg Config, logger logging.ServiceLogger) (*Coordinator, error) {
	if hash == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if bus == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if partners == nil || profiles == nil {
		return nil, errspkg.ErrCollaboratorRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("presence: instance id is required")
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.LastSeenThrottle <= 0 {
		cfg.LastSeenThrottle = DefaultLastSeenThrottle
	}
	return &Coordinator{
		hash:      hash,
		bus:       bus,
		partners:  partners,
		profiles:  profiles,
		key:       cfg.Key,
		instance:  cfg.InstanceID,
		throttle:  cfg.LastSeenThrottle,
		logger:    logger.With(logging.LogFields{"component": "presence", "instance_id": cfg.InstanceID}),
		now:       time.Now,
		lastTouch: make(map[string]time.Time),
	}, nil
}

// OnConnect claims userID for this instance, marks the profile online and
// announces it to the user's partners. Only a failure to write the presence
// record is returned; profile and broadcast failures are logged.
func (c *Coordinator) OnConnect(ctx context.Context, userID string) error {
	if err := c.hash.HSet(ctx, c.key, userID, c.instance); err != nil {
		return &errspkg.BusUnavailableError{Op: "presence claim", Err: err}
	}

	now := c.now().UTC()
	c.mu.Lock()
	c.lastTouch[userID] = now
	c.mu.Unlock()

	if err := c.profiles.SetPresence(ctx, userID, true, now); err != nil {
		c.logger.Error("Failed to mark user online", &errspkg.CollaboratorFailure{Op: "set presence", Err: err}, logging.LogFields{"user_id": userID})
	}
	c.announce(ctx, userID, true, now)
	c.logger.Info("User connected", logging.LogFields{"user_id": userID})
	return nil
}

// OnDisconnect releases the presence record, marks the profile offline and
// announces it. When another instance has claimed the user since, the record
// and the profile are left alone. Every step runs even if an earlier one
// fails; store and profile errors are returned joined.
func (c *Coordinator) OnDisconnect(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.lastTouch, userID)
	c.mu.Unlock()

	owner, ok, err := c.hash.HGet(ctx, c.key, userID)
	if err != nil {
		c.logger.Error("Failed to read presence owner", err, logging.LogFields{"user_id": userID})
	} else if ok && owner != c.instance {
		c.logger.Info("User now owned by another instance, skipping offline", logging.LogFields{
			"user_id": userID,
			"owner":   owner,
		})
		return nil
	}

	var errs []error
	if err := c.hash.HDel(ctx, c.key, userID); err != nil {
		errs = append(errs, &errspkg.BusUnavailableError{Op: "presence release", Err: err})
	}

	now := c.now().UTC()
	if err := c.profiles.SetPresence(ctx, userID, false, now); err != nil {
		errs = append(errs, &errspkg.CollaboratorFailure{Op: "set presence", Err: err})
	}
	c.announce(ctx, userID, false, now)
	c.logger.Info("User disconnected", logging.LogFields{"user_id": userID})
	return errors.Join(errs...)
}

// Owner returns the instance currently holding userID's connection.
func (c *Coordinator) Owner(ctx context.Context, userID string) (string, bool, error) {
	return c.hash.HGet(ctx, c.key, userID)
}

// TouchLastSeen stamps last-seen at most once per throttle window per user.
func (c *Coordinator) TouchLastSeen(ctx context.Context, userID string) error {
	now := c.now().UTC()
	c.mu.Lock()
	last, seen := c.lastTouch[userID]
	if seen && now.Sub(last) <= c.throttle {
		c.mu.Unlock()
		return nil
	}
	c.lastTouch[userID] = now
	c.mu.Unlock()

	if err := c.profiles.TouchLastSeen(ctx, userID, now); err != nil {
		return &errspkg.CollaboratorFailure{Op: "touch last seen", Err: err}
	}
	return nil
}

func (c *Coordinator) announce(ctx context.Context, userID string, online bool, at time.Time) {
	partners, err := c.partners.Partners(ctx, userID)
	if err != nil {
		c.logger.Error("Failed to resolve partners for presence", &errspkg.CollaboratorFailure{Op: "partners", Err: err}, logging.LogFields{"user_id": userID})
		return
	}
	targets := eventbus.Exclude(partners, userID)
	if len(targets) == 0 {
		return
	}

	p := eventbus.NewPayload(eventbus.EventPresenceUpdate)
	p["user_id"] = userID
	p["is_online"] = online
	p["last_seen"] = at.Format(time.RFC3339Nano)
	p["mood"] = c.mood(ctx, userID)

	if _, err := c.bus.Broadcast(ctx, targets, p); err != nil {
		c.logger.Error("Failed to broadcast presence", err, logging.LogFields{
			"user_id":   userID,
			"is_online": online,
		})
	}
}

func (c *Coordinator) mood(ctx context.Context, userID string) string {
	profile, err := c.profiles.GetProfile(ctx, userID)
	if err != nil {
		c.logger.Debug("Mood lookup failed, using default", logging.LogFields{"user_id": userID, "error": err.Error()})
		return collab.DefaultMood
	}
	if profile.Mood == "" {
		return collab.DefaultMood
	}
	return profile.Mood
}
