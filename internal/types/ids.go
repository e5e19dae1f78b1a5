// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type ActivationID string

// NewActivationID returns a fresh unique ID for one session activation.
func NewActivationID() ActivationID {
	return ActivationID(uuid.New().String())
}

// NewSessionKey joins the parts with ":" into a session key,
// e.g. NewSessionKey("chat", "floating") -> "chat:floating".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
