package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewHandleID identifies one accepted connection inside a process.
func NewHandleID() string {
	return "conn_" + strings.ToLower(CreateULID())
}

// NewMessageID is the server-assigned identifier returned in message acks.
func NewMessageID() string {
	return "msg_" + strings.ToLower(CreateULID())
}
