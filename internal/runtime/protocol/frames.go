package protocol

import (
	"time"

	"github.com/drblury/chirpflow/internal/runtime/jsoncodec"
)

type errorFrame struct {
	EventType string `json:"event_type"`
	Detail    string `json:"detail"`
}

type heartbeatAck struct {
	EventType string `json:"event_type"`
}

// Ack confirms a send_message to the sending connection.
type Ack struct {
	EventType        string `json:"event_type"`
	ClientTempID     string `json:"client_temp_id"`
	ServerAssignedID string `json:"server_assigned_id"`
	Status           string `json:"status"`
	Timestamp        string `json:"timestamp"`
}

func encodeAck(clientTempID, serverID string, at time.Time) ([]byte, error) {
	return jsoncodec.Marshal(Ack{
		EventType:        "message_ack",
		ClientTempID:     clientTempID,
		ServerAssignedID: serverID,
		Status:           "sent",
		Timestamp:        at.UTC().Format(time.RFC3339Nano),
	})
}
