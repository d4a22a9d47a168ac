// Package id generates identifiers for guests and chat messages.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GuestPrefix marks identifiers assigned to unauthenticated connections.
const GuestPrefix = "guest_"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewGuestID returns a fresh guest identifier such as guest_3f9a0c1b2d4e5f60.
func NewGuestID() string {
	raw := uuid.New()
	return GuestPrefix + hex.EncodeToString(raw[:8])
}

// IsGuestID reports whether value was produced by NewGuestID.
func IsGuestID(value string) bool {
	return strings.HasPrefix(value, GuestPrefix)
}

// NewConnectionID returns a random identifier for one client connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewMessageID returns a lexicographically sortable message identifier.
//
// IDs minted within the same millisecond are strictly increasing.
func NewMessageID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at.UTC()), entropy).String()
}
