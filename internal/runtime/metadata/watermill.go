package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill converts Watermill metadata into chirpflow metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill copies headers onto a Watermill message, keeping any existing keys.
func ToWatermill(metadata Metadata, msg *message.Message) {
	for k, v := range metadata {
		msg.Metadata.Set(k, v)
	}
}
