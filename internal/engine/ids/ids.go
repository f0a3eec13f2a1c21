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

// NewRequestID builds a correlation ID for an outgoing request. The owning
// instance is embedded ahead of a monotonic ULID so IDs cannot collide across
// instances even when two requests are created in the same millisecond.
func NewRequestID(instanceID string) string {
	instanceID = sanitizeInstance(instanceID)
	if instanceID == "" {
		return CreateULID()
	}
	return instanceID + "-" + CreateULID()
}

func sanitizeInstance(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(id))
}
