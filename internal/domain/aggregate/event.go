package aggregate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// eventSuffix is the naming convention every event type name must follow.
const eventSuffix = "Event"

// Event is the payload of one state transition.
// EventName is the stable name persisted alongside the payload; it must end in "Event".
type Event interface {
	EventName() string
}

// Envelope carries an event together with the metadata stamped when it was recorded.
type Envelope struct {
	AggregateVersion int64     `json:"aggregate_version"`
	EventType        string    `json:"event_type"`
	IdempotencyID    string    `json:"idempotency_id,omitempty"`
	When             time.Time `json:"when"`
	Payload          Event     `json:"-"`
}

// ValidEventName reports whether name follows the event naming convention.
func ValidEventName(name string) bool {
	return len(name) > len(eventSuffix) && strings.HasSuffix(name, eventSuffix)
}

// Hash returns the content hash of e: its name and every payload field.
// Two logically equal events hash identically regardless of instance identity.
func Hash(e Event) (string, error) {
	if e == nil {
		return "", fmt.Errorf("hash: nil event")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", e.EventName(), err)
	}
	buf := make([]byte, 0, len(e.EventName())+1+len(data))
	buf = append(buf, e.EventName()...)
	buf = append(buf, 0)
	buf = append(buf, data...)
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is like Hash but panics on encoding errors.
func MustHash(e Event) string {
	h, err := Hash(e)
	if err != nil {
		panic(err)
	}
	return h
}
