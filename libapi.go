package chirpflow

import (
	runtimepkg "github.com/drblury/chirpflow/internal/runtime"
	collabpkg "github.com/drblury/chirpflow/internal/runtime/collab"
	collabmem "github.com/drblury/chirpflow/internal/runtime/collab/memory"
	configpkg "github.com/drblury/chirpflow/internal/runtime/config"
	errspkg "github.com/drblury/chirpflow/internal/runtime/errors"
	"github.com/drblury/chirpflow/internal/runtime/eventbus"
	idspkg "github.com/drblury/chirpflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/chirpflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chirpflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chirpflow/internal/runtime/metadata"
	storepkg "github.com/drblury/chirpflow/internal/runtime/store"
	newtransport "github.com/drblury/chirpflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Stats               = runtimepkg.Stats
	ResourceUsage       = runtimepkg.ResourceUsage
	Store               = storepkg.Store

	Notifier = eventbus.Notifier
	Payload  = eventbus.Payload
	Envelope = eventbus.Envelope

	Participants = collabpkg.Participants
	Profiles     = collabpkg.Profiles
	Messages     = collabpkg.Messages
	PushNotifier = collabpkg.PushNotifier
	Profile      = collabpkg.Profile
	Message      = collabpkg.Message
	Directory    = collabmem.Directory

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	AuthFailure           = errspkg.AuthFailure
	ProtocolError         = errspkg.ProtocolError
	AuthorizationError    = errspkg.AuthorizationError
	CollaboratorFailure   = errspkg.CollaboratorFailure
	BusUnavailableError   = errspkg.BusUnavailableError
	ResyncRequiredError   = errspkg.ResyncRequiredError

	// Broadcast transports
	Capabilities      = newtransport.Capabilities
	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

// Event types carried in payload.event_type.
const (
	EventNewMessage        = eventbus.EventNewMessage
	EventReactionUpdate    = eventbus.EventReactionUpdate
	EventTypingIndicator   = eventbus.EventTypingIndicator
	EventThinkingOfYou     = eventbus.EventThinkingOfYou
	EventChatModeChanged   = eventbus.EventChatModeChanged
	EventPresenceUpdate    = eventbus.EventPresenceUpdate
	EventMessageDeleted    = eventbus.EventMessageDeleted
	EventHistoryCleared    = eventbus.EventHistoryCleared
	EventUserProfileUpdate = eventbus.EventUserProfileUpdate
	EventMessageStatus     = eventbus.EventMessageStatus
)

const (
	MetadataKeySequence      = metadatapkg.Sequence
	MetadataKeyOrigin        = metadatapkg.Origin
	MetadataKeyEventType     = metadatapkg.EventType
	MetadataKeyCorrelationID = metadatapkg.CorrelationID
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewPayload = eventbus.NewPayload

	NewDirectory       = collabmem.New
	LoadDirectorySeed  = collabmem.LoadSeed
	ParseDirectorySeed = collabmem.ParseSeed

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewTextLogger        = loggingpkg.NewTextLogger
	NewJSONLogger        = loggingpkg.NewJSONLogger
	NewLogger            = loggingpkg.New

	// Use RegisterTransport and BuildTransport to plug in a custom broadcast
	// channel. Built-in transports register via:
	//   _ "github.com/drblury/chirpflow/transport/transports"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	CreateULID = idspkg.CreateULID

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrStoreRequired        = errspkg.ErrStoreRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrSubscriberRequired   = errspkg.ErrSubscriberRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrCollaboratorRequired = errspkg.ErrCollaboratorRequired
	ErrNoTargets            = errspkg.ErrNoTargets
	ErrPayloadRequired      = errspkg.ErrPayloadRequired
	ErrBusUnavailable       = errspkg.ErrBusUnavailable
	ErrResyncRequired       = errspkg.ErrResyncRequired
	ErrUnknownEvent         = errspkg.ErrUnknownEvent
	ErrInvalidToken         = errspkg.ErrInvalidToken
	ErrWrongTokenClass      = errspkg.ErrWrongTokenClass
	ErrNotParticipant       = errspkg.ErrNotParticipant
	ErrUserNotFound         = errspkg.ErrUserNotFound
	ErrMessageNotFound      = errspkg.ErrMessageNotFound
)

// NewMetadata builds envelope headers from key/value pairs. A trailing key
// without a value is ignored.
func NewMetadata(kv ...string) Metadata {
	md := Metadata{}
	for i := 0; i+1 < len(kv); i += 2 {
		md[kv[i]] = kv[i+1]
	}
	return md
}
