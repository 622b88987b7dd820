// Package metadata names the headers carried next to each broadcast envelope
// on the shared channel.
package metadata

import "strconv"

const (
	// Sequence mirrors the envelope sequence so transports can log it
	// without decoding the payload.
	Sequence = "chirpflow_sequence"
	// Origin is the instance ID that published the envelope.
	Origin = "chirpflow_origin"
	// EventType mirrors payload.event_type.
	EventType = "chirpflow_event_type"
	// CorrelationID follows one broadcast through publish, receive and fan-out.
	CorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside an envelope.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// Sequence parses the Sequence header.
func (m Metadata) Sequence() (uint64, bool) {
	raw, ok := m[Sequence]
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// ForEnvelope builds the headers published with an envelope.
func ForEnvelope(sequence uint64, origin, eventType string) Metadata {
	md := Metadata{
		Sequence: strconv.FormatUint(sequence, 10),
		Origin:   origin,
	}
	if eventType != "" {
		md[EventType] = eventType
	}
	return md
}
