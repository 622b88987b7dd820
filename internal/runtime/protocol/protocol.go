// Package protocol runs one connection from handshake to cleanup: it
// authenticates the client, registers it locally and in the presence hash,
// dispatches inbound envelopes through a replaceable table and releases
// everything exactly once when the connection ends.
package protocol

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/drblury/chirpflow/internal/runtime/auth"
	"github.com/drblury/chirpflow/internal/runtime/collab"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/logging"
	"github.com/drblury/chirpflow/internal/runtime/metrics"
	"github.com/drblury/chirpflow/internal/runtime/registry"
)

const tracerName = "github.com/drblury/chirpflow/protocol"

// Close codes sent to bidirectional clients.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Presence is the part of the presence coordinator a connection drives.
type Presence interface {
	OnConnect(ctx context.Context, userID string) error
	OnDisconnect(ctx context.Context, userID string) error
	TouchLastSeen(ctx context.Context, userID string) error
}

// Deduplicator remembers processed client tokens and their acks per user.
type Deduplicator interface {
	Lookup(ctx context.Context, userID, token string) ([]byte, bool, error)
	MarkProcessed(ctx context.Context, userID, token string, ack []byte) error
}

// Broadcasts publishes the chat-scoped events handlers produce.
type Broadcasts interface {
	ChatMessage(ctx context.Context, chatID string, msg any) (uint64, error)
	ReactionUpdate(ctx context.Context, chatID, messageID string, reactions map[string][]string) (uint64, error)
	Typing(ctx context.Context, chatID, userID string, isTyping bool) (uint64, error)
	ThinkingOfYou(ctx context.Context, recipientID, senderID, senderName string) (uint64, error)
	ChatMode(ctx context.Context, chatID, mode string) (uint64, error)
	MessageStatus(ctx context.Context, chatID, messageID, status string, at time.Time) (uint64, error)
}

// Authenticator validates a raw credential of a given class.
type Authenticator interface {
	Authenticate(raw, class string) (auth.Principal, error)
}

// Deps are the collaborators shared by every connection of one instance.
type Deps struct {
	Auth         Authenticator
	Registry     *registry.Registry
	Presence     Presence
	Dedup        Deduplicator
	Broadcasts   Broadcasts
	Participants collab.Participants
	Profiles     collab.Profiles
	Messages     collab.Messages
	Push         collab.PushNotifier
	Logger       logging.ServiceLogger
	Metrics      *metrics.Metrics
}

func (d Deps) validate() error {
	if d.Logger == nil {
		return errspkg.ErrLoggerRequired
	}
	if d.Auth == nil || d.Registry == nil || d.Presence == nil || d.Dedup == nil || d.Broadcasts == nil {
		return errspkg.ErrCollaboratorRequired
	}
	if d.Participants == nil || d.Profiles == nil || d.Messages == nil || d.Push == nil {
		return errspkg.ErrCollaboratorRequired
	}
	return nil
}

// Config tunes the inbound guards. Zero values pick defaults.
type Config struct {
	// InboundRate is frames per second per connection; negative disables
	// the limit.
	InboundRate  float64
	InboundBurst int
	// MaxDecodeErrors consecutive undecodable frames close the connection.
	MaxDecodeErrors int
	CleanupTimeout  time.Duration
	// Table replaces the default dispatch table when set.
	Table Table
}

const (
	defaultInboundRate     = 20
	defaultInboundBurst    = 40
	defaultMaxDecodeErrors = 5
	defaultCleanupTimeout  = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.InboundRate == 0 {
		c.InboundRate = defaultInboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = defaultInboundBurst
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = defaultMaxDecodeErrors
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.InboundRate < 0 {
		return rate.Inf
	}
	return rate.Limit(c.InboundRate)
}

// Identity is an authenticated user together with their profile.
type Identity struct {
	UserID  string
	Profile collab.Profile
}

// Protocol holds what every connection on this instance shares.
type Protocol struct {
	deps   Deps
	cfg    Config
	table  Table
	logger logging.ServiceLogger
	tracer trace.Tracer
	now    func() time.Time
}

// New validates deps and builds the dispatch table.
func New(deps Deps, cfg Config) (*Protocol, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	p := &Protocol{
		deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With(logging.LogFields{"component": "protocol"}),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	p.table = cfg.Table
	if p.table == nil {
		p.table = p.DefaultTable()
	}
	return p, nil
}

// Authenticate validates an access token and loads the user's profile. A
// token for a user the directory does not know is an AuthFailure.
func (p *Protocol) Authenticate(ctx context.Context, raw string) (Identity, error) {
	principal, err := p.deps.Auth.Authenticate(raw, auth.TokenAccess)
	if err != nil {
		return Identity{}, err
	}
	profile, err := p.deps.Profiles.GetProfile(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, errspkg.ErrUserNotFound) {
			return Identity{}, &errspkg.AuthFailure{Reason: "unknown user", Err: err}
		}
		return Identity{}, &errspkg.CollaboratorFailure{Op: "get profile", Err: err}
	}
	if profile.ID == "" {
		profile.ID = principal.UserID
	}
	return Identity{UserID: principal.UserID, Profile: profile}, nil
}
