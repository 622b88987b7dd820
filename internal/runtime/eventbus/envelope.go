package eventbus

import (
	"fmt"

	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
)

// Payload is the client-visible body of an event. It always carries
// event_type and, once it has passed through the bus, sequence.
type Payload map[string]any

// NewPayload starts a payload of the given event type.
func NewPayload(eventType string) Payload {
	return Payload{"event_type": eventType}
}

// EventType returns payload.event_type or "".
func (p Payload) EventType() string {
	s, _ := p["event_type"].(string)
	return s
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// WithSequence returns a copy stamped with seq.
func (p Payload) WithSequence(seq uint64) Payload {
	out := p.Clone()
	out["sequence"] = seq
	return out
}

// Sequence reads the sequence stamp, accepting the numeric types JSON
// decoding produces.
func (p Payload) Sequence() (uint64, bool) {
	switch v := p["sequence"].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), v >= 0
	case int:
		return uint64(v), v >= 0
	case float64:
		return uint64(v), v >= 0
	default:
		return 0, false
	}
}

// Envelope is the unit written to the log and published on the channel.
type Envelope struct {
	Sequence      uint64   `json:"sequence"`
	TargetUserIDs []string `json:"target_user_ids"`
	Payload       Payload  `json:"payload"`
}

// Targets reports whether userID is addressed by the envelope.
func (e Envelope) Targets(userID string) bool {
	for _, id := range e.TargetUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DecodeEnvelope parses a serialized envelope. When the envelope has no
// top-level sequence the payload stamp is used.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload == nil {
		return Envelope{}, fmt.Errorf("decode envelope: missing payload")
	}
	if env.Sequence == 0 {
		if seq, ok := env.Payload.Sequence(); ok {
			env.Sequence = seq
		}
	}
	if env.Sequence != 0 {
		env.Payload["sequence"] = env.Sequence
	}
	return env, nil
}
